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
	"context"
	"time"
)

// Outcome is everything one session lifecycle produced. Err carries the
// fatal failure, if any; DisconnectErr is a side note and never flips a
// successful outcome.
type Outcome struct {
	Output         string
	Prompt         string
	PromptFallback bool
	Duration       time.Duration
	Err            error
	DisconnectErr  error
}

// Runner executes a full connect/detect/execute/disconnect cycle
// against one device. The pool depends on this interface so it can be
// exercised without a network.
type Runner interface {
	Run(ctx context.Context, opts Options, command string, promptCount int) Outcome
	Probe(ctx context.Context, opts Options) Outcome
}

// Driver is the production Runner.
type Driver struct{}

func (Driver) Run(ctx context.Context, opts Options, command string, promptCount int) Outcome {
	start := time.Now()
	out := Outcome{}

	if err := ctx.Err(); err != nil {
		out.Err = err
		out.Duration = time.Since(start)
		return out
	}

	s := NewSession(opts)
	defer func() {
		out.DisconnectErr = s.Disconnect()
		out.Duration = time.Since(start)
	}()

	if out.Err = s.Connect(); out.Err != nil {
		return out
	}
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	if out.Err = s.OpenShell(); out.Err != nil {
		return out
	}

	out.Prompt, out.Err = s.FindPrompt()
	if out.Err != nil {
		return out
	}
	out.PromptFallback = s.PromptFallback()

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	out.Output, out.Err = s.Execute(command, promptCount)
	return out
}

// Probe establishes a session and detects the prompt without running a
// command. Credential discovery uses it to decide whether a credential
// works on a device.
func (Driver) Probe(ctx context.Context, opts Options) Outcome {
	start := time.Now()
	out := Outcome{}

	if err := ctx.Err(); err != nil {
		out.Err = err
		out.Duration = time.Since(start)
		return out
	}

	s := NewSession(opts)
	defer func() {
		out.DisconnectErr = s.Disconnect()
		out.Duration = time.Since(start)
	}()

	if out.Err = s.Connect(); out.Err != nil {
		return out
	}
	if out.Err = s.OpenShell(); out.Err != nil {
		return out
	}
	out.Prompt, out.Err = s.FindPrompt()
	out.PromptFallback = s.PromptFallback()
	return out
}
