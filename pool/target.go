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

package pool

import (
	"time"

	"github.com/velocitynet/vcollector/common"
	"github.com/velocitynet/vcollector/ssh"
)

// Target is one device to collect from. Credentials, when set, override
// the pool default; CredentialName travels to the result either way so
// callers know what was used.
type Target struct {
	Host        string
	Port        int
	Command     string
	PromptCount int

	DeviceID   int64
	DeviceName string

	Credentials    *common.SSHCredentials
	CredentialName string
	LegacyMode     bool
}

// Result is the per-device outcome. Results come back in input order
// regardless of completion order.
type Result struct {
	Index      int
	Host       string
	DeviceID   int64
	DeviceName string

	Success  bool
	Output   string
	Prompt   string
	Category ssh.Category
	Err      string
	Trace    string

	RetryCount     int
	Duration       time.Duration
	CredentialName string

	// DisconnectNote records a teardown failure; it never flips a
	// successful command outcome.
	DisconnectNote string
}

// Progress is invoked after each device completes, in the completing
// worker's goroutine. Panics in the callback are logged, not
// propagated.
type Progress func(completed, total int, res Result)

// Summary aggregates one pool run.
type Summary struct {
	Total      int
	Success    int
	Failed     int
	ByCategory map[ssh.Category]int
	Elapsed    time.Duration
}
