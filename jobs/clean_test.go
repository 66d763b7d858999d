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
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_CleanOutput_StripsEchoAndPrompts(t *testing.T) {
	raw := "terminal length 0\n" +
		"den1-sw01#\n" +
		"den1-sw01# show ip arp\n" +
		"Protocol  Address     Age  Hardware Addr\n" +
		"Internet  10.0.0.1    5    0011.2233.4455\n" +
		"Internet  10.0.0.2    12   0011.2233.4456\n" +
		"den1-sw01#\n" +
		"\n"

	got := CleanOutput(raw, "terminal length 0,show ip arp")
	want := "Protocol  Address     Age  Hardware Addr\n" +
		"Internet  10.0.0.1    5    0011.2233.4455\n" +
		"Internet  10.0.0.2    12   0011.2233.4456"
	assert.Equal(t, want, got)
}

func Test_CleanOutput_CaseInsensitiveEcho(t *testing.T) {
	raw := "sw1# SHOW VERSION\nCisco IOS XE\nsw1#"
	got := CleanOutput(raw, "show version")
	assert.Equal(t, "Cisco IOS XE", got)
}

func Test_CleanOutput_NoMainCommandReturnsInput(t *testing.T) {
	raw := "some output\nsw1#"
	assert.Equal(t, raw, CleanOutput(raw, "terminal length 0"))
	assert.Equal(t, raw, CleanOutput(raw, ""))
}

func Test_CleanOutput_EchoNotFoundReturnsInput(t *testing.T) {
	raw := "completely different transcript"
	assert.Equal(t, raw, CleanOutput(raw, "show ip arp"))
}

func Test_CleanOutput_DisplayAndGetVerbs(t *testing.T) {
	raw := "hw1> display arp\nIP ADDRESS  MAC\n10.0.0.1   aabb\nhw1>"
	assert.Equal(t, "IP ADDRESS  MAC\n10.0.0.1   aabb", CleanOutput(raw, "screen-length disable,display arp"))
}

func Test_MainCommand(t *testing.T) {
	assert.Equal(t, "show run", mainCommand("terminal length 0,show run,,"))
	assert.Equal(t, "display arp", mainCommand("display arp"))
	assert.Equal(t, "", mainCommand("terminal length 0"))
	assert.Equal(t, "", mainCommand(",,"))
}
