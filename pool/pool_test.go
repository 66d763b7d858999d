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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velocitynet/vcollector/common"
	"github.com/velocitynet/vcollector/ssh"
)

// fakeRunner scripts per-host outcomes and records the options it was
// called with.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes map[string][]ssh.Outcome // popped per call
	calls    map[string]int
	optsSeen map[string]ssh.Options
	delay    time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outcomes: make(map[string][]ssh.Outcome),
		calls:    make(map[string]int),
		optsSeen: make(map[string]ssh.Options),
	}
}

func (f *fakeRunner) script(host string, outs ...ssh.Outcome) {
	f.outcomes[host] = outs
}

func (f *fakeRunner) Run(_ context.Context, opts ssh.Options, _ string, _ int) ssh.Outcome {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[opts.Host]++
	f.optsSeen[opts.Host] = opts
	outs := f.outcomes[opts.Host]
	if len(outs) == 0 {
		return ssh.Outcome{Output: "ok\nsw#", Prompt: "sw#"}
	}
	out := outs[0]
	if len(outs) > 1 {
		f.outcomes[opts.Host] = outs[1:]
	}
	return out
}

func (f *fakeRunner) Probe(_ context.Context, opts ssh.Options) ssh.Outcome {
	return f.Run(context.Background(), opts, "", 0)
}

func targetsFor(hosts ...string) []Target {
	ts := make([]Target, len(hosts))
	for i, h := range hosts {
		ts[i] = Target{Host: h, Command: "show run", PromptCount: 1, DeviceName: h}
	}
	return ts
}

func Test_Pool_PreservesInputOrder(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = time.Millisecond
	hosts := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}

	p := New(runner, Options{Concurrency: 4, RetryDelay: time.Millisecond})
	results, summary := p.Run(context.Background(), targetsFor(hosts...), nil)

	require.Len(t, results, len(hosts))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, hosts[i], r.Host)
		assert.True(t, r.Success)
	}
	assert.Equal(t, len(hosts), summary.Success)
	assert.Zero(t, summary.Failed)
}

func Test_Pool_RetriesRetryableCategories(t *testing.T) {
	runner := newFakeRunner()
	runner.script("flaky",
		ssh.Outcome{Err: errors.New("read tcp: connection reset by peer")},
		ssh.Outcome{Output: "ok\nsw#", Prompt: "sw#"},
	)

	p := New(runner, Options{Concurrency: 1, RetryAttempts: 2, RetryDelay: time.Millisecond})
	results, summary := p.Run(context.Background(), targetsFor("flaky"), nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1, results[0].RetryCount)
	assert.Equal(t, 2, runner.calls["flaky"])
	assert.Equal(t, 1, summary.Success)
}

func Test_Pool_NeverRetriesAuthFailures(t *testing.T) {
	runner := newFakeRunner()
	authErr := errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")
	runner.script("locked", ssh.Outcome{Err: authErr}, ssh.Outcome{Err: authErr})

	p := New(runner, Options{Concurrency: 1, RetryAttempts: 3, RetryDelay: time.Millisecond})
	results, summary := p.Run(context.Background(), targetsFor("locked"), nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, ssh.CategoryAuth, results[0].Category)
	assert.Zero(t, results[0].RetryCount)
	assert.Equal(t, 1, runner.calls["locked"])
	assert.Equal(t, 1, summary.ByCategory[ssh.CategoryAuth])
}

func Test_Pool_TargetCredentialOverridesDefault(t *testing.T) {
	runner := newFakeRunner()
	p := New(runner, Options{
		Concurrency:           1,
		DefaultCredentials:    common.SSHCredentials{Username: "default-user", Password: "x"},
		DefaultCredentialName: "default",
	})

	targets := []Target{
		{Host: "with-own", Command: "show run", PromptCount: 1,
			Credentials:    &common.SSHCredentials{Username: "special", Password: "y"},
			CredentialName: "special-cred"},
		{Host: "without", Command: "show run", PromptCount: 1},
	}
	results, _ := p.Run(context.Background(), targets, nil)

	assert.Equal(t, "special-cred", results[0].CredentialName)
	assert.Equal(t, "special", runner.optsSeen["with-own"].Username)
	assert.Equal(t, "default", results[1].CredentialName)
	assert.Equal(t, "default-user", runner.optsSeen["without"].Username)
}

func Test_Pool_CancelledContextResolvesRemainingSlots(t *testing.T) {
	runner := newFakeRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(runner, Options{Concurrency: 2})
	results, summary := p.Run(ctx, targetsFor("a", "b", "c"), nil)

	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, ssh.CategoryCancelled, r.Category)
	}
	assert.Equal(t, 3, summary.ByCategory[ssh.CategoryCancelled])
	assert.Empty(t, runner.calls)
}

func Test_Pool_ProgressCallbackPanicDoesNotKillRun(t *testing.T) {
	runner := newFakeRunner()
	var mu sync.Mutex
	var seen []int

	p := New(runner, Options{Concurrency: 2})
	results, _ := p.Run(context.Background(), targetsFor("a", "b", "c"),
		func(completed, total int, res Result) {
			mu.Lock()
			seen = append(seen, completed)
			mu.Unlock()
			if res.Host == "b" {
				panic("callback bug")
			}
		})

	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.Len(t, seen, 3)
}

func Test_Pool_DisconnectNoteDoesNotFlipSuccess(t *testing.T) {
	runner := newFakeRunner()
	runner.script("leaky", ssh.Outcome{
		Output:        "ok\nsw#",
		Prompt:        "sw#",
		DisconnectErr: errors.New("use of closed network connection"),
	})

	p := New(runner, Options{Concurrency: 1})
	results, summary := p.Run(context.Background(), targetsFor("leaky"), nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.NotEmpty(t, results[0].DisconnectNote)
	assert.Equal(t, 1, summary.Success)
}

func Test_Pool_TraceCapturedPerAttempt(t *testing.T) {
	runner := newFakeRunner()
	runner.script("bad",
		ssh.Outcome{Err: errors.New("read tcp: connection reset by peer")},
		ssh.Outcome{Err: fmt.Errorf("%w: saw 0/1 prompts", ssh.ErrCommandTimeout)},
	)

	p := New(runner, Options{Concurrency: 1, RetryAttempts: 1, RetryDelay: time.Millisecond, CaptureTrace: true})
	results, _ := p.Run(context.Background(), targetsFor("bad"), nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Trace, "attempt 1")
	assert.Contains(t, results[0].Trace, "attempt 2")
	assert.Equal(t, ssh.CategoryCommandTimeout, results[0].Category)
}
