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

package ansi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Filter_CSISequences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "scroll region",
			in:   "\x1b[1;24rswitch01#",
			want: "switch01#",
		},
		{
			name: "cursor position",
			in:   "\x1b[24;1Hshow version",
			want: "show version",
		},
		{
			name: "erase line",
			in:   "before\x1b[2Kafter",
			want: "beforeafter",
		},
		{
			name: "private mode cursor",
			in:   "\x1b[?25hrouter>",
			want: "router>",
		},
		{
			name: "charset designators",
			in:   "\x1b(Btext\x1b)0more",
			want: "textmore",
		},
		{
			name: "bel and control bytes",
			in:   "a\x07b\x00c\x08d",
			want: "abcd",
		},
		{
			name: "keeps tab newline cr",
			in:   "col1\tcol2\r\nrow2",
			want: "col1\tcol2\r\nrow2",
		},
		{
			name: "plain text untouched",
			in:   "Interface    IP-Address\nGi0/0        10.0.0.1",
			want: "Interface    IP-Address\nGi0/0        10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterString(tt.in))
		})
	}
}

func Test_Filter_Idempotent(t *testing.T) {
	inputs := []string{
		"\x1b[1;24r\x1b[24;1Hswitch01# show run\r\n\x1b[2K",
		"plain output with no escapes",
		"\x1b[?25h\x07\x1b(B",
		"",
		"partial escape \x1b[ dangling",
	}

	for _, in := range inputs {
		once := FilterString(in)
		twice := FilterString(once)
		assert.Equal(t, once, twice, "filter must be idempotent for %q", in)
	}
}

func Test_Filter_InvalidUTF8Replaced(t *testing.T) {
	out := Filter([]byte{'o', 'k', 0xff, 0xfe, '!'})
	assert.True(t, len(out) > 0)
	assert.Contains(t, string(out), "ok")
	assert.Contains(t, string(out), "!")
}

func Test_Filter_BareEscapeDropped(t *testing.T) {
	assert.Equal(t, "ab", FilterString("a\x1bb"))
}
