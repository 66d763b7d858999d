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

// Package discovery finds a working credential for each device by
// probing candidates over SSH and, optionally, records the winner back
// on the device.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/velocitynet/vcollector/common"
	"github.com/velocitynet/vcollector/dcim"
	"github.com/velocitynet/vcollector/ssh"
	"github.com/velocitynet/vcollector/vault"
)

// Per-device outcome kinds.
const (
	OutcomeMatched = "matched"
	OutcomeNoMatch = "no_match"
	OutcomeSkipped = "skipped"
)

// Options controls a discovery sweep.
type Options struct {
	// Concurrency bounds the number of devices probed at once.
	Concurrency int

	// SkipConfigured leaves devices alone when they already carry a
	// preferred credential.
	SkipConfigured bool

	// SkipRecentlyTested skips devices whose last credential test is
	// newer than RecentHours.
	SkipRecentlyTested bool
	RecentHours        int

	// UpdateDevices writes the matched credential and test outcome back
	// to the inventory.
	UpdateDevices bool

	LegacyMode bool

	ConnectTimeout time.Duration
	ShellTimeout   time.Duration
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.RecentHours <= 0 {
		o.RecentHours = 24
	}
	if o.ShellTimeout <= 0 {
		// Probes only need the prompt, not banner-heavy output.
		o.ShellTimeout = 2 * time.Second
	}
}

// Result is the outcome of probing one device.
type Result struct {
	Index      int
	DeviceID   int64
	DeviceName string
	Host       string

	Outcome        string
	CredentialName string
	Attempts       int

	Category   ssh.Category
	Err        string
	SkipReason string
}

// Progress is invoked once per completed device, in completion order.
type Progress func(completed, total int, res Result)

// Summary aggregates a sweep.
type Summary struct {
	Total   int
	Matched int
	NoMatch int
	Skipped int
	Elapsed time.Duration
}

// Discoverer probes devices with vault credentials.
type Discoverer struct {
	Inventory *dcim.Repository
	Vault     *vault.Vault
	SSH       ssh.Runner
}

type candidate struct {
	id    int64
	name  string
	creds common.SSHCredentials
}

// Discover tests every device against the named credentials. An empty
// credentialNames means "every credential in the vault", in list order.
// Candidate iteration per device is sequential; devices run in
// parallel.
func (d *Discoverer) Discover(ctx context.Context, devices []dcim.Device, credentialNames []string, opts Options, progress Progress) ([]Result, Summary, error) {
	start := time.Now()
	opts.applyDefaults()

	infos, err := d.Vault.List()
	if err != nil {
		return nil, Summary{}, fmt.Errorf("listing vault credentials: %w", err)
	}
	nameToID := make(map[string]int64, len(infos))
	for _, info := range infos {
		nameToID[info.Name] = info.ID
	}

	if len(credentialNames) == 0 {
		for _, info := range infos {
			credentialNames = append(credentialNames, info.Name)
		}
	}

	candidates := make([]candidate, 0, len(credentialNames))
	for _, name := range credentialNames {
		creds, resolved, err := d.Vault.Get(name)
		if err != nil {
			return nil, Summary{}, fmt.Errorf("resolving credential %q: %w", name, err)
		}
		candidates = append(candidates, candidate{
			id:    nameToID[resolved],
			name:  resolved,
			creds: creds,
		})
	}

	results := make([]Result, len(devices))
	jobs := make(chan int, len(devices))
	for i := range devices {
		jobs <- i
	}
	close(jobs)

	var completed int64
	var wg sync.WaitGroup
	workers := opts.Concurrency
	if workers > len(devices) {
		workers = len(devices)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res := d.probeDevice(ctx, devices[i], candidates, opts)
				res.Index = i
				results[i] = res
				done := int(atomic.AddInt64(&completed, 1))
				notify(progress, done, len(devices), res)
			}
		}()
	}
	wg.Wait()

	summary := Summary{Total: len(devices), Elapsed: time.Since(start)}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeMatched:
			summary.Matched++
		case OutcomeSkipped:
			summary.Skipped++
		default:
			summary.NoMatch++
		}
	}
	return results, summary, ctx.Err()
}

func (d *Discoverer) probeDevice(ctx context.Context, device dcim.Device, candidates []candidate, opts Options) Result {
	res := Result{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Host:       device.PrimaryIP4,
	}

	if device.PrimaryIP4 == "" {
		res.Outcome = OutcomeSkipped
		res.SkipReason = "no primary IP"
		return res
	}
	if opts.SkipConfigured && device.CredentialID != nil {
		res.Outcome = OutcomeSkipped
		res.SkipReason = "credential already configured"
		return res
	}
	if opts.SkipRecentlyTested && device.CredentialTestedAt != nil {
		age := time.Since(*device.CredentialTestedAt)
		if age < time.Duration(opts.RecentHours)*time.Hour {
			res.Outcome = OutcomeSkipped
			res.SkipReason = fmt.Sprintf("tested %s ago", age.Round(time.Minute))
			return res
		}
	}

	ordered := orderCandidates(d.Vault, device, candidates)
	if len(ordered) == 0 {
		res.Outcome = OutcomeNoMatch
		res.Err = "no candidate credentials"
		return res
	}

	for _, cand := range ordered {
		if ctx.Err() != nil {
			res.Outcome = OutcomeNoMatch
			res.Category = ssh.CategoryCancelled
			res.Err = ctx.Err().Error()
			return res
		}

		res.Attempts++
		outcome := d.SSH.Probe(ctx, ssh.Options{
			Host:           device.PrimaryIP4,
			Port:           device.SSHPort,
			Username:       cand.creds.Username,
			Password:       cand.creds.Password,
			KeyPEM:         cand.creds.KeyPEM,
			KeyPassphrase:  cand.creds.KeyPassphrase,
			LegacyMode:     opts.LegacyMode,
			ConnectTimeout: opts.ConnectTimeout,
			ShellTimeout:   opts.ShellTimeout,
		})
		if outcome.Err == nil {
			res.Outcome = OutcomeMatched
			res.CredentialName = cand.name
			d.recordOutcome(device, &cand, dcim.TestResultSuccess, opts)
			return res
		}

		cat := ssh.Categorize(outcome.Err)
		res.Category = cat
		res.Err = outcome.Err.Error()

		// Anything besides an auth or key-exchange rejection means the
		// device itself is unreachable; trying more credentials only
		// burns time.
		if cat != ssh.CategoryAuth && cat != ssh.CategoryKex {
			res.Outcome = OutcomeNoMatch
			return res
		}
	}

	res.Outcome = OutcomeNoMatch
	d.recordOutcome(device, nil, dcim.TestResultFailed, opts)
	return res
}

// orderCandidates puts the device's preferred credential first and
// drops duplicates of it from the supplied order.
func orderCandidates(v *vault.Vault, device dcim.Device, candidates []candidate) []candidate {
	if device.CredentialID == nil {
		return candidates
	}
	preferred := *device.CredentialID

	ordered := make([]candidate, 0, len(candidates)+1)
	found := false
	for _, c := range candidates {
		if c.id == preferred {
			ordered = append([]candidate{c}, ordered...)
			found = true
			continue
		}
		ordered = append(ordered, c)
	}
	if found {
		return ordered
	}

	creds, name, err := v.GetByID(preferred)
	if err != nil {
		zap.L().Warn("preferred credential not in vault",
			zap.String("device", device.Name),
			zap.Int64("credential_id", preferred))
		return candidates
	}
	return append([]candidate{{id: preferred, name: name, creds: creds}}, candidates...)
}

func (d *Discoverer) recordOutcome(device dcim.Device, matched *candidate, result string, opts Options) {
	if !opts.UpdateDevices || d.Inventory == nil {
		return
	}

	var credID *int64
	if matched != nil && matched.id > 0 {
		credID = &matched.id
	}
	if err := d.Inventory.UpdateDeviceCredential(device.ID, credID, time.Now(), result); err != nil {
		zap.L().Error("updating device credential",
			zap.String("device", device.Name),
			zap.Error(err))
	}
}

func notify(progress Progress, completed, total int, res Result) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("discovery progress callback panicked", zap.Any("panic", r))
		}
	}()
	progress(completed, total, res)
}
