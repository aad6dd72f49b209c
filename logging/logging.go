// Copyright 2025 The llmlimiter Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the leveled key-value logger used across the
// module. All functions accept a message followed by alternating key/value
// pairs.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const EnvLogLevel = "LLMLIMITER_LOG_LEVEL"

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	if lvl, err := logrus.ParseLevel(os.Getenv(EnvLogLevel)); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func Debug(msg string, keysAndValues ...interface{}) {
	logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func Info(msg string, keysAndValues ...interface{}) {
	logger.WithFields(fields(keysAndValues)).Info(msg)
}

func Warn(msg string, keysAndValues ...interface{}) {
	logger.WithFields(fields(keysAndValues)).Warn(msg)
}

func Error(err error, msg string, keysAndValues ...interface{}) {
	entry := logger.WithFields(fields(keysAndValues))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		f[key] = keysAndValues[i+1]
	}
	return f
}
