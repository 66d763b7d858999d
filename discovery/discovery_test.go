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

package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/velocitynet/vcollector/common"
	"github.com/velocitynet/vcollector/dcim"
	"github.com/velocitynet/vcollector/ssh"
	"github.com/velocitynet/vcollector/vault"
)

// fakeProber scripts Probe outcomes per host/username pair and records
// the order credentials were tried per host.
type fakeProber struct {
	mu sync.Mutex
	// errs maps "host/username" to the probe error; absent means
	// success.
	errs     map[string]error
	attempts map[string][]string
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		errs:     make(map[string]error),
		attempts: make(map[string][]string),
	}
}

func (f *fakeProber) Probe(_ context.Context, opts ssh.Options) ssh.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[opts.Host] = append(f.attempts[opts.Host], opts.Username)
	if err, ok := f.errs[opts.Host+"/"+opts.Username]; ok {
		return ssh.Outcome{Err: err}
	}
	return ssh.Outcome{Prompt: "sw#"}
}

func (f *fakeProber) Run(ctx context.Context, opts ssh.Options, _ string, _ int) ssh.Outcome {
	return f.Probe(ctx, opts)
}

func (f *fakeProber) tried(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attempts[host]...)
}

type sweepFixture struct {
	disc  *Discoverer
	repo  *dcim.Repository
	vault *vault.Vault
	probe *fakeProber
	// credential IDs by name, for seeding device preferences.
	credIDs map[string]int64
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	repo, err := dcim.New(db)
	require.NoError(t, err)

	vdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	v, err := vault.New(vdb)
	require.NoError(t, err)
	require.NoError(t, v.Initialize("test-pw"))
	require.NoError(t, v.Add("primary", common.SSHCredentials{
		Username: "netops", Password: "pw1",
	}, true))
	require.NoError(t, v.Add("legacy", common.SSHCredentials{
		Username: "admin", Password: "pw2",
	}, false))
	require.NoError(t, v.Add("oob", common.SSHCredentials{
		Username: "console", Password: "pw3",
	}, false))

	infos, err := v.List()
	require.NoError(t, err)
	ids := make(map[string]int64, len(infos))
	for _, info := range infos {
		ids[info.Name] = info.ID
	}

	probe := newFakeProber()
	return &sweepFixture{
		disc: &Discoverer{
			Inventory: repo,
			Vault:     v,
			SSH:       probe,
		},
		repo:    repo,
		vault:   v,
		probe:   probe,
		credIDs: ids,
	}
}

func (fx *sweepFixture) seedDevice(t *testing.T, name, ip string) dcim.Device {
	t.Helper()
	d := dcim.Device{Name: name, PrimaryIP4: ip, SSHPort: 22, Status: dcim.DeviceStatusActive}
	require.NoError(t, fx.repo.DB().Create(&d).Error)
	return d
}

func Test_Discovery_FirstCandidateMatches(t *testing.T) {
	fx := newSweepFixture(t)
	d := fx.seedDevice(t, "den1-sw01", "10.0.0.1")

	results, summary, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{d}, []string{"primary", "legacy"},
		Options{UpdateDevices: true}, nil)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, OutcomeMatched, results[0].Outcome)
	assert.Equal(t, "primary", results[0].CredentialName)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, 1, summary.Matched)

	got, err := fx.repo.DeviceByID(d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CredentialID)
	assert.Equal(t, fx.credIDs["primary"], *got.CredentialID)
	assert.Equal(t, dcim.TestResultSuccess, got.CredentialTestResult)
	require.NotNil(t, got.CredentialTestedAt)
}

func Test_Discovery_IteratesPastAuthFailure(t *testing.T) {
	fx := newSweepFixture(t)
	d := fx.seedDevice(t, "den1-sw02", "10.0.0.2")
	fx.probe.errs["10.0.0.2/netops"] = errors.New("ssh: unable to authenticate")

	results, _, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{d}, []string{"primary", "legacy"}, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMatched, results[0].Outcome)
	assert.Equal(t, "legacy", results[0].CredentialName)
	assert.Equal(t, []string{"netops", "admin"}, fx.probe.tried("10.0.0.2"))
}

func Test_Discovery_StopsOnUnreachableDevice(t *testing.T) {
	fx := newSweepFixture(t)
	d := fx.seedDevice(t, "den1-sw03", "10.0.0.3")
	fx.probe.errs["10.0.0.3/netops"] = errors.New("dial tcp: connection refused")
	fx.probe.errs["10.0.0.3/admin"] = errors.New("dial tcp: connection refused")

	results, summary, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{d}, []string{"primary", "legacy"}, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoMatch, results[0].Outcome)
	assert.Equal(t, ssh.CategoryConnectionRefused, results[0].Category)
	assert.Equal(t, 1, results[0].Attempts, "should not try more credentials")
	assert.Equal(t, 1, summary.NoMatch)
}

func Test_Discovery_AllCandidatesRejected(t *testing.T) {
	fx := newSweepFixture(t)
	d := fx.seedDevice(t, "den1-sw04", "10.0.0.4")
	fx.probe.errs["10.0.0.4/netops"] = errors.New("ssh: unable to authenticate")
	fx.probe.errs["10.0.0.4/admin"] = errors.New("ssh: no common algorithm for key exchange")

	results, _, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{d}, []string{"primary", "legacy"},
		Options{UpdateDevices: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoMatch, results[0].Outcome)
	assert.Equal(t, 2, results[0].Attempts)

	got, err := fx.repo.DeviceByID(d.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CredentialID, "failed sweep must not assign a credential")
	assert.Equal(t, dcim.TestResultFailed, got.CredentialTestResult)
	require.NotNil(t, got.CredentialTestedAt)
}

func Test_Discovery_PreferredCredentialTriedFirst(t *testing.T) {
	fx := newSweepFixture(t)
	d := fx.seedDevice(t, "den1-sw05", "10.0.0.5")
	legacyID := fx.credIDs["legacy"]
	require.NoError(t, fx.repo.UpdateDeviceCredential(d.ID, &legacyID, time.Now(), dcim.TestResultSuccess))
	d, err := fx.repo.DeviceByID(d.ID)
	require.NoError(t, err)

	results, _, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{d}, []string{"primary", "legacy", "oob"}, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMatched, results[0].Outcome)
	assert.Equal(t, "legacy", results[0].CredentialName)
	assert.Equal(t, []string{"admin"}, fx.probe.tried("10.0.0.5"))
}

func Test_Discovery_PreferredNotInSuppliedList(t *testing.T) {
	fx := newSweepFixture(t)
	d := fx.seedDevice(t, "den1-sw06", "10.0.0.6")
	oobID := fx.credIDs["oob"]
	require.NoError(t, fx.repo.UpdateDeviceCredential(d.ID, &oobID, time.Now(), dcim.TestResultSuccess))
	d, err := fx.repo.DeviceByID(d.ID)
	require.NoError(t, err)

	fx.probe.errs["10.0.0.6/console"] = errors.New("ssh: unable to authenticate")

	results, _, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{d}, []string{"primary"}, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMatched, results[0].Outcome)
	assert.Equal(t, "primary", results[0].CredentialName)
	assert.Equal(t, []string{"console", "netops"}, fx.probe.tried("10.0.0.6"))
}

func Test_Discovery_Skips(t *testing.T) {
	fx := newSweepFixture(t)

	noIP := dcim.Device{ID: 100, Name: "no-ip"}
	configured := fx.seedDevice(t, "den1-sw07", "10.0.0.7")
	primaryID := fx.credIDs["primary"]
	require.NoError(t, fx.repo.UpdateDeviceCredential(configured.ID, &primaryID, time.Now(), dcim.TestResultSuccess))
	configured, err := fx.repo.DeviceByID(configured.ID)
	require.NoError(t, err)

	recent := fx.seedDevice(t, "den1-sw08", "10.0.0.8")
	require.NoError(t, fx.repo.UpdateDeviceCredential(recent.ID, nil, time.Now().Add(-time.Hour), dcim.TestResultFailed))
	recent, err = fx.repo.DeviceByID(recent.ID)
	require.NoError(t, err)

	results, summary, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{noIP, configured, recent}, []string{"primary"},
		Options{SkipConfigured: true, SkipRecentlyTested: true, RecentHours: 24}, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, results[0].Outcome)
	assert.Equal(t, "no primary IP", results[0].SkipReason)
	assert.Equal(t, OutcomeSkipped, results[1].Outcome)
	assert.Equal(t, OutcomeSkipped, results[2].Outcome)
	assert.Equal(t, 3, summary.Skipped)
	assert.Empty(t, fx.probe.attempts)
}

func Test_Discovery_StaleTestIsRetried(t *testing.T) {
	fx := newSweepFixture(t)
	d := fx.seedDevice(t, "den1-sw09", "10.0.0.9")
	require.NoError(t, fx.repo.UpdateDeviceCredential(d.ID, nil, time.Now().Add(-48*time.Hour), dcim.TestResultFailed))
	d, err := fx.repo.DeviceByID(d.ID)
	require.NoError(t, err)

	results, _, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{d}, []string{"primary"},
		Options{SkipRecentlyTested: true, RecentHours: 24}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMatched, results[0].Outcome)
}

func Test_Discovery_DefaultsToAllVaultCredentials(t *testing.T) {
	fx := newSweepFixture(t)
	d := fx.seedDevice(t, "den1-sw10", "10.0.0.10")
	fx.probe.errs["10.0.0.10/admin"] = errors.New("ssh: unable to authenticate")
	fx.probe.errs["10.0.0.10/console"] = errors.New("ssh: unable to authenticate")
	fx.probe.errs["10.0.0.10/netops"] = errors.New("ssh: unable to authenticate")

	results, _, err := fx.disc.Discover(context.Background(),
		[]dcim.Device{d}, nil, Options{}, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoMatch, results[0].Outcome)
	// List order is alphabetical: legacy, oob, primary.
	assert.Equal(t, []string{"admin", "console", "netops"}, fx.probe.tried("10.0.0.10"))
}

func Test_Discovery_ProgressAndSummary(t *testing.T) {
	fx := newSweepFixture(t)
	devices := []dcim.Device{
		fx.seedDevice(t, "den1-sw11", "10.0.0.11"),
		fx.seedDevice(t, "den1-sw12", "10.0.0.12"),
	}

	var mu sync.Mutex
	var calls int
	results, summary, err := fx.disc.Discover(context.Background(),
		devices, []string{"primary"}, Options{Concurrency: 2},
		func(completed, total int, _ Result) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			assert.Equal(t, 2, total)
		})
	require.NoError(t, err)

	assert.Len(t, results, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, Summary{Total: 2, Matched: 2, Elapsed: summary.Elapsed}, summary)
}
