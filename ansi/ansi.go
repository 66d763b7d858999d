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

// Package ansi strips terminal escape sequences and control bytes from
// the raw byte stream produced by an interactive network device shell.
// Network gear emits cursor positioning, scroll-region and charset
// designator sequences that would otherwise confuse prompt counting.
package ansi

import (
	"strings"
	"unicode/utf8"
)

const esc = 0x1b

// Filter removes CSI sequences (ESC '[' params final, params drawn from
// digits, ';' and '?', final any letter), the charset designators
// ESC '(' X / ESC ')' X with X in "AB012", the BEL byte, and every C0
// control byte except tab, newline and carriage return. Invalid UTF-8 in
// the remainder is replaced with the Unicode replacement rune.
//
// Filter is idempotent: applying it to already-filtered output returns
// the same bytes.
func Filter(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		b := data[i]

		if b == esc {
			if n := escapeLen(data[i:]); n > 0 {
				i += n
				continue
			}
			// Bare ESC with no recognized sequence is a control byte.
			i++
			continue
		}

		if b == 0x07 { // BEL
			i++
			continue
		}

		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			i++
			continue
		}

		out = append(out, b)
		i++
	}

	if utf8.Valid(out) {
		return out
	}
	return []byte(strings.ToValidUTF8(string(out), string(utf8.RuneError)))
}

// FilterString is Filter for string input.
func FilterString(s string) string {
	return string(Filter([]byte(s)))
}

// escapeLen returns the length of the escape sequence starting at
// data[0] (which must be ESC), or 0 if the bytes do not form a
// recognized sequence.
func escapeLen(data []byte) int {
	if len(data) < 2 {
		return 0
	}

	switch data[1] {
	case '[':
		i := 2
		for i < len(data) && isCSIParam(data[i]) {
			i++
		}
		if i < len(data) && isLetter(data[i]) {
			return i + 1
		}
		return 0
	case '(', ')':
		if len(data) >= 3 && strings.IndexByte("AB012", data[2]) >= 0 {
			return 3
		}
		return 0
	}
	return 0
}

func isCSIParam(b byte) bool {
	return (b >= '0' && b <= '9') || b == ';' || b == '?'
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
