/*
 * Copyright 2025 VelocityCollector Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jobs

import (
	"regexp"
	"strings"
)

// promptOnlyLine matches a line that is nothing but a device prompt,
// e.g. "den1-sw01#" or "router>".
var promptOnlyLine = regexp.MustCompile(`^[\w\-.]+[#>$)]\s*$`)

// mainCommandPrefixes are the verbs that identify the primary command
// inside a comma-separated command string.
var mainCommandPrefixes = []string{"show ", "display ", "get "}

// CleanOutput strips the echo preamble and trailing prompts from a raw
// shell transcript so only the command's own output remains. The main
// command is the first comma token starting with show/display/get; when
// none is found, or its echo never appears, the transcript is returned
// unchanged.
func CleanOutput(raw, command string) string {
	main := mainCommand(command)
	if main == "" {
		return raw
	}

	lines := strings.Split(raw, "\n")
	lowerMain := strings.ToLower(main)

	start := -1
	for i, line := range lines {
		if strings.Contains(strings.ToLower(line), lowerMain) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return raw
	}

	var cleaned []string
	for _, line := range lines[start:] {
		if promptOnlyLine.MatchString(strings.TrimSpace(line)) {
			continue
		}
		cleaned = append(cleaned, line)
	}
	for len(cleaned) > 0 && strings.TrimSpace(cleaned[len(cleaned)-1]) == "" {
		cleaned = cleaned[:len(cleaned)-1]
	}
	return strings.Join(cleaned, "\n")
}

// mainCommand picks the primary command out of a comma-separated
// command string.
func mainCommand(command string) string {
	for _, part := range strings.Split(command, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lower := strings.ToLower(part)
		for _, prefix := range mainCommandPrefixes {
			if strings.HasPrefix(lower, prefix) {
				return part
			}
		}
	}
	return ""
}
