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

package util

import (
	"regexp"
	"strings"
	"sync"
)

// TODO: bound the cache once configs with thousands of model patterns show up
var (
	regexCache = make(map[string]*regexp.Regexp)
	cacheMu    sync.RWMutex
)

const (
	regexBeginPattern = "^"
	regexEndPattern   = "$"
)

// RegexMatch reports whether text matches pattern as a whole. Configuration
// keys for models and deployments may be regular expressions (e.g.
// "gpt-4.*"); patterns are anchored so a partial match never selects limits
// for an unrelated model.
func RegexMatch(pattern, text string) bool {
	if pattern == "" || text == "" {
		return false
	}

	regex, err := getCompiledRegex(ensureExactRegexMatch(pattern))
	if err != nil {
		return false
	}

	return regex.MatchString(text)
}

func ensureExactRegexMatch(pattern string) string {
	if !strings.HasPrefix(pattern, regexBeginPattern) {
		pattern = regexBeginPattern + pattern
	}
	if !strings.HasSuffix(pattern, regexEndPattern) {
		pattern = pattern + regexEndPattern
	}
	return pattern
}

func getCompiledRegex(pattern string) (*regexp.Regexp, error) {
	cacheMu.RLock()
	if regex, exists := regexCache[pattern]; exists {
		cacheMu.RUnlock()
		return regex, nil
	}
	cacheMu.RUnlock()

	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	regexCache[pattern] = regex
	cacheMu.Unlock()

	return regex, nil
}
