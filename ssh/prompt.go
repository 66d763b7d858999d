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

package ssh

import (
	"strings"

	"github.com/velocitynet/vcollector/ansi"
)

// promptEndings are the characters a device prompt line may end with.
var promptEndings = []string{"#", ">", "$", "%", ":", "]", ")", "|"}

const maxPromptLen = 50

// defaultPrompt is the fallback expect string when detection exhausts
// its attempts.
const defaultPrompt = "#"

// ExtractPrompt inspects a drained shell buffer from the bottom and
// returns the device's interactive prompt, or "" when no candidate line
// is present. The buffer is passed through the control filter first, so
// callers may hand over raw chunks.
//
// A candidate line is non-empty, at most 50 characters after trimming,
// and ends with one of the prompt ending characters. Lines of the form
// "switch01# switch01# switch01#" (the device echoing its prompt per
// bare newline) collapse to a single token. The returned string never
// contains a newline and keeps its trailing ending character.
func ExtractPrompt(buffer string) string {
	clean := ansi.FilterString(buffer)
	if strings.TrimSpace(clean) == "" {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(clean, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) == 0 {
		return ""
	}

	last := lines[len(lines)-1]

	if isCandidate(last) && !isRepeated(last) {
		return last
	}
	if base := collapseRepeats(last); base != "" {
		return base
	}

	// The last line may be a partial echo; walk upward for the nearest
	// candidate.
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !isCandidate(line) {
			continue
		}
		if base := collapseRepeats(line); base != "" {
			return base
		}
		return line
	}

	return ""
}

func isCandidate(line string) bool {
	if line == "" || len(line) > maxPromptLen {
		return false
	}
	for _, e := range promptEndings {
		if strings.HasSuffix(line, e) {
			return true
		}
	}
	return false
}

// isRepeated reports whether the line holds the same prompt token more
// than once.
func isRepeated(line string) bool {
	return collapseRepeats(line) != "" && collapseRepeats(line) != line
}

// collapseRepeats reduces "sw1# sw1# sw1#" or "sw1#sw1#sw1#" to "sw1#".
// Returns "" when the line is not a repeated-prompt pattern.
func collapseRepeats(line string) string {
	for _, e := range promptEndings {
		if strings.Count(line, e) < 2 {
			continue
		}
		parts := strings.Split(line, e)
		// The final element is whatever trails the last ending char;
		// for a pure repetition it is empty.
		if strings.TrimSpace(parts[len(parts)-1]) != "" {
			continue
		}
		base := strings.TrimSpace(parts[0])
		if base == "" {
			continue
		}
		uniform := true
		for _, p := range parts[:len(parts)-1] {
			if strings.TrimSpace(p) != base {
				uniform = false
				break
			}
		}
		if uniform {
			return base + e
		}
	}

	// Whitespace-separated repeats where tokens carry their own ending,
	// e.g. "router> router>".
	fields := strings.Fields(line)
	if len(fields) > 1 {
		first := fields[0]
		if isCandidate(first) {
			uniform := true
			for _, f := range fields[1:] {
				if f != first {
					uniform = false
					break
				}
			}
			if uniform {
				return first
			}
		}
	}

	return ""
}
