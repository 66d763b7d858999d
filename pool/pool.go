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

// Package pool fans a list of device targets out over a bounded worker
// group and returns per-device results in input order.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/velocitynet/vcollector/common"
	"github.com/velocitynet/vcollector/ssh"
)

// Options configures one pool.
type Options struct {
	Concurrency   int
	RetryAttempts int
	RetryDelay    time.Duration

	// CaptureTrace fills Result.Trace with per-attempt diagnostics on
	// failure.
	CaptureTrace bool

	DefaultCredentials    common.SSHCredentials
	DefaultCredentialName string

	ConnectTimeout      time.Duration
	ShellTimeout        time.Duration
	InterCommandTime    time.Duration
	ExpectPromptTimeout time.Duration
}

// Pool runs targets at a configured concurrency through an ssh.Runner.
type Pool struct {
	runner ssh.Runner
	opts   Options
}

func New(runner ssh.Runner, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 2 * time.Second
	}
	return &Pool{runner: runner, opts: opts}
}

// Run executes every target and blocks until all slots resolve. After
// ctx is cancelled no new target is dispatched; undispatched slots
// resolve to cancelled results. In-flight sessions finish their current
// blocking operation on their own deadlines.
func (p *Pool) Run(ctx context.Context, targets []Target, progress Progress) ([]Result, Summary) {
	start := time.Now()
	results := make([]Result, len(targets))

	jobs := make(chan int, len(targets))
	for i := range targets {
		jobs <- i
	}
	close(jobs)

	var completed atomic.Int64
	var wg sync.WaitGroup
	workers := p.opts.Concurrency
	if workers > len(targets) {
		workers = len(targets)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					results[idx] = p.cancelledResult(idx, targets[idx])
				} else {
					results[idx] = p.runTarget(ctx, idx, targets[idx])
				}
				done := int(completed.Add(1))
				notify(progress, done, len(targets), results[idx])
			}
		}()
	}
	wg.Wait()

	summary := Summary{
		Total:      len(targets),
		ByCategory: make(map[ssh.Category]int),
		Elapsed:    time.Since(start),
	}
	for _, r := range results {
		if r.Success {
			summary.Success++
		} else {
			summary.Failed++
			summary.ByCategory[r.Category]++
		}
	}
	return results, summary
}

func (p *Pool) cancelledResult(idx int, t Target) Result {
	return Result{
		Index:          idx,
		Host:           t.Host,
		DeviceID:       t.DeviceID,
		DeviceName:     t.DeviceName,
		Category:       ssh.CategoryCancelled,
		Err:            "run cancelled before dispatch",
		CredentialName: p.credentialName(t),
	}
}

func (p *Pool) credentialName(t Target) string {
	if t.Credentials != nil {
		return t.CredentialName
	}
	return p.opts.DefaultCredentialName
}

func (p *Pool) sshOptions(t Target) ssh.Options {
	creds := p.opts.DefaultCredentials
	if t.Credentials != nil {
		creds = *t.Credentials
	}
	return ssh.Options{
		Host:                t.Host,
		Port:                t.Port,
		Username:            creds.Username,
		Password:            creds.Password,
		KeyPEM:              creds.KeyPEM,
		KeyPassphrase:       creds.KeyPassphrase,
		LegacyMode:          t.LegacyMode,
		ConnectTimeout:      p.opts.ConnectTimeout,
		ShellTimeout:        p.opts.ShellTimeout,
		InterCommandTime:    p.opts.InterCommandTime,
		ExpectPromptTimeout: p.opts.ExpectPromptTimeout,
	}
}

func (p *Pool) runTarget(ctx context.Context, idx int, t Target) Result {
	res := Result{
		Index:          idx,
		Host:           t.Host,
		DeviceID:       t.DeviceID,
		DeviceName:     t.DeviceName,
		CredentialName: p.credentialName(t),
	}
	opts := p.sshOptions(t)
	start := time.Now()

	var trace string
	for attempt := 0; ; attempt++ {
		out := p.runner.Run(ctx, opts, t.Command, t.PromptCount)
		res.Output = out.Output
		res.Prompt = out.Prompt
		if out.DisconnectErr != nil {
			res.DisconnectNote = out.DisconnectErr.Error()
		}

		if out.Err == nil {
			res.Success = true
			res.Category = ssh.CategorySuccess
			res.Err = ""
			break
		}

		cat := ssh.Categorize(out.Err)
		res.Category = cat
		res.Err = out.Err.Error()
		if p.opts.CaptureTrace {
			trace += fmt.Sprintf("attempt %d: [%s] %v\n", attempt+1, cat, out.Err)
		}

		if !cat.Retryable() || attempt >= p.opts.RetryAttempts || ctx.Err() != nil {
			break
		}
		res.RetryCount++
		zap.L().Debug("retrying device",
			zap.String("host", t.Host),
			zap.String("category", string(cat)),
			zap.Int("attempt", attempt+1))
		if !sleepCtx(ctx, p.opts.RetryDelay) {
			break
		}
	}

	res.Duration = time.Since(start)
	res.Trace = trace
	return res
}

// sleepCtx sleeps for d or until ctx is done; reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func notify(progress Progress, completed, total int, res Result) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("progress callback panicked",
				zap.Any("panic", r),
				zap.String("host", res.Host))
		}
	}()
	progress(completed, total, res)
}
