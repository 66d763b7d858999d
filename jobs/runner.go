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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nrednav/cuid2"
	"go.uber.org/zap"

	"github.com/velocitynet/vcollector/common"
	"github.com/velocitynet/vcollector/dcim"
	"github.com/velocitynet/vcollector/metrics"
	"github.com/velocitynet/vcollector/pool"
	"github.com/velocitynet/vcollector/ssh"
	"github.com/velocitynet/vcollector/tfsm"
	"github.com/velocitynet/vcollector/vault"
)

var newRunID func() string

func init() {
	gen, err := cuid2.Init(cuid2.WithLength(16))
	if err != nil {
		panic(err)
	}
	newRunID = gen
}

// SavedFile records one capture artifact written to disk.
type SavedFile struct {
	Device string
	Path   string
	Bytes  int64
	Score  float64
}

// ValidationFailure records a device whose output parsed below the
// job's minimum score.
type ValidationFailure struct {
	Device   string
	Score    float64
	Template string
}

// DeviceError records a categorized SSH failure.
type DeviceError struct {
	Device   string
	Host     string
	Category ssh.Category
	Message  string
}

// JobResult is the full outcome of one run.
type JobResult struct {
	RunID string
	JobID string

	SuccessCount int
	FailedCount  int
	SkippedCount int

	Results            []pool.Result
	SavedFiles         []SavedFile
	ValidationFailures []ValidationFailure
	DeviceErrors       []DeviceError

	Status    string
	HistoryID int64
	Elapsed   time.Duration
	Error     string
}

// RunOptions tune a single run without touching the stored definition.
type RunOptions struct {
	// Limit caps the number of devices queried; 0 means no cap.
	Limit int
	// DryRun resolves devices and credentials but opens no sessions
	// and writes nothing.
	DryRun bool
}

// Runner executes jobs. All dependencies are injected so tests can run
// without a network.
type Runner struct {
	Inventory *dcim.Repository
	Vault     *vault.Vault
	Engine    *tfsm.Engine
	SSH       ssh.Runner

	// BasePath is used when a job does not set its own storage base.
	BasePath string
}

// Run resolves ref, queries devices, executes the job's command on each
// and processes the results. A history row is opened once device
// querying succeeds and always closed with a terminal status before
// Run returns.
func (r *Runner) Run(ctx context.Context, ref JobRef, opts RunOptions, progress pool.Progress) (JobResult, error) {
	start := time.Now()
	res := JobResult{RunID: newRunID()}

	def, err := r.resolve(ref)
	if err != nil {
		return res, err
	}
	res.JobID = def.JobID

	log := zap.L().With(
		zap.String("run_id", res.RunID),
		zap.String("job", def.JobID))

	devices, err := r.Inventory.Devices(def.DeviceFilter(opts.Limit))
	if err != nil {
		return res, fmt.Errorf("query devices: %w", err)
	}

	res.HistoryID, err = r.Inventory.CreateHistory(def.dbJobID, ref.File)
	if err != nil {
		return res, fmt.Errorf("open history: %w", err)
	}

	defer func() {
		metrics.RunsTotal.WithLabelValues(res.Status).Inc()
		metrics.RunDuration.Observe(res.Elapsed.Seconds())
	}()

	if len(devices) == 0 {
		err = errors.New("no devices match filter")
		res.Status = dcim.RunStatusFailed
		res.Error = err.Error()
		res.Elapsed = time.Since(start)
		log.Warn("no devices match filter")
		r.closeHistory(def, &res, 0)
		return res, err
	}

	targets, skippedNoIP, err := r.buildTargets(def, devices)
	if err != nil {
		res.Status = dcim.RunStatusFailed
		res.Error = err.Error()
		res.Elapsed = time.Since(start)
		r.closeHistory(def, &res, len(devices))
		return res, err
	}
	if skippedNoIP > 0 {
		log.Warn("devices without primary IPv4 skipped", zap.Int("count", skippedNoIP))
	}

	if opts.DryRun {
		res.Status = dcim.RunStatusSuccess
		res.Elapsed = time.Since(start)
		log.Info("dry run resolved", zap.Int("devices", len(targets)))
		r.closeHistory(def, &res, len(targets))
		return res, nil
	}

	defaultCreds, defaultName, err := r.defaultCredentials(def)
	if err != nil {
		res.Status = dcim.RunStatusFailed
		res.Error = err.Error()
		res.Elapsed = time.Since(start)
		r.closeHistory(def, &res, len(targets))
		return res, err
	}

	p := pool.New(r.SSH, pool.Options{
		Concurrency:           def.MaxWorkers,
		RetryAttempts:         def.RetryAttempts,
		CaptureTrace:          true,
		DefaultCredentials:    defaultCreds,
		DefaultCredentialName: defaultName,
		ConnectTimeout:        time.Duration(def.TimeoutSeconds) * time.Second,
		InterCommandTime:      time.Duration(def.InterCommandDelay) * time.Second,
		ExpectPromptTimeout:   time.Duration(def.TimeoutSeconds) * time.Second,
	})

	results, summary := p.Run(ctx, targets, progress)
	res.Results = results

	r.processResults(def, devices, results, &res, log)

	res.Elapsed = time.Since(start)
	res.Status = runStatus(res)
	r.closeHistory(def, &res, len(targets))

	log.Info("run complete",
		zap.String("status", res.Status),
		zap.Int("success", res.SuccessCount),
		zap.Int("failed", res.FailedCount),
		zap.Int("skipped", res.SkippedCount),
		zap.Duration("elapsed", summary.Elapsed))
	return res, nil
}

func (r *Runner) resolve(ref JobRef) (JobDefinition, error) {
	switch {
	case ref.File != "":
		return LoadJobFile(ref.File)
	case ref.Slug != "":
		j, err := r.Inventory.JobBySlug(ref.Slug)
		if err != nil {
			return JobDefinition{}, err
		}
		return FromJob(j), nil
	case ref.ID != 0:
		j, err := r.Inventory.JobByID(ref.ID)
		if err != nil {
			return JobDefinition{}, err
		}
		return FromJob(j), nil
	}
	return JobDefinition{}, fmt.Errorf("empty job reference")
}

// buildTargets maps devices to pool targets, resolving each device's
// preferred credential through a per-run cache. Devices without a
// primary IPv4 are dropped.
func (r *Runner) buildTargets(def JobDefinition, devices []dcim.Device) ([]pool.Target, int, error) {
	cache := common.NewCredentialCache()
	idToName := make(map[int64]string)
	command := def.CommandString()
	promptCount := ssh.CountPrompts(command)

	var targets []pool.Target
	skipped := 0
	for _, d := range devices {
		if d.PrimaryIP4 == "" {
			skipped++
			continue
		}
		t := pool.Target{
			Host:        d.PrimaryIP4,
			Port:        d.SSHPort,
			Command:     command,
			PromptCount: promptCount,
			DeviceID:    d.ID,
			DeviceName:  d.Name,
		}
		if d.CredentialID != nil {
			creds, name, err := r.deviceCredentials(cache, idToName, *d.CredentialID)
			if err != nil {
				// Fall back to the pool default rather than failing the
				// whole run for one stale reference.
				zap.L().Warn("preferred credential unresolvable",
					zap.String("device", d.Name),
					zap.Int64("credential_id", *d.CredentialID),
					zap.Error(err))
			} else {
				t.Credentials = &creds
				t.CredentialName = name
			}
		}
		targets = append(targets, t)
	}
	return targets, skipped, nil
}

func (r *Runner) deviceCredentials(cache *common.CredentialCache, idToName map[int64]string, id int64) (common.SSHCredentials, string, error) {
	if name, ok := idToName[id]; ok {
		creds, _ := cache.Get(name)
		return creds, name, nil
	}
	creds, name, err := r.Vault.GetByID(id)
	if err != nil {
		return common.SSHCredentials{}, "", err
	}
	idToName[id] = name
	cache.Set(name, creds)
	return creds, name, nil
}

func (r *Runner) defaultCredentials(def JobDefinition) (common.SSHCredentials, string, error) {
	if def.CredentialID != nil {
		return unpackGet(r.Vault.GetByID(*def.CredentialID))
	}
	creds, name, err := r.Vault.Get("")
	if err != nil {
		return common.SSHCredentials{}, "", fmt.Errorf("resolve default credential: %w", err)
	}
	return creds, name, nil
}

func unpackGet(creds common.SSHCredentials, name string, err error) (common.SSHCredentials, string, error) {
	if err != nil {
		return common.SSHCredentials{}, "", fmt.Errorf("resolve job credential: %w", err)
	}
	return creds, name, nil
}

// processResults cleans, validates and saves per-device output,
// updating the counts on res.
func (r *Runner) processResults(def JobDefinition, devices []dcim.Device, results []pool.Result, res *JobResult, log *zap.Logger) {
	byID := make(map[int64]dcim.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	for _, pr := range results {
		if !pr.Success {
			res.FailedCount++
			res.DeviceErrors = append(res.DeviceErrors, DeviceError{
				Device:   pr.DeviceName,
				Host:     pr.Host,
				Category: pr.Category,
				Message:  pr.Err,
			})
			metrics.DevicesTotal.WithLabelValues("failed").Inc()
			metrics.DeviceErrorsTotal.WithLabelValues(string(pr.Category)).Inc()
			continue
		}

		device := byID[pr.DeviceID]
		cleaned := CleanOutput(pr.Output, def.CommandString())

		var score float64
		var templateUsed string
		validationPassed := true
		if def.UseTextFSM && r.Engine != nil {
			hint := def.TemplateFilter
			if hint == "" {
				hint = r.filterHint(def, device)
			}
			parsed, err := r.Engine.Validate(cleaned, hint, def.MinScore)
			if err != nil {
				log.Warn("validation error", zap.String("device", pr.DeviceName), zap.Error(err))
				validationPassed = false
			} else {
				score = parsed.Score
				templateUsed = parsed.Template
				validationPassed = parsed.Valid
			}
			if !validationPassed {
				res.ValidationFailures = append(res.ValidationFailures, ValidationFailure{
					Device:   pr.DeviceName,
					Score:    score,
					Template: templateUsed,
				})
			}
		}

		if !validationPassed && !def.StoreFailures {
			res.SkippedCount++
			metrics.DevicesTotal.WithLabelValues("validation_skipped").Inc()
			continue
		}

		path, n, err := r.saveOutput(def, device, cleaned)
		if err != nil {
			res.FailedCount++
			res.DeviceErrors = append(res.DeviceErrors, DeviceError{
				Device:   pr.DeviceName,
				Host:     pr.Host,
				Category: ssh.CategoryUnknown,
				Message:  fmt.Sprintf("save output: %v", err),
			})
			metrics.DevicesTotal.WithLabelValues("failed").Inc()
			continue
		}
		res.SavedFiles = append(res.SavedFiles, SavedFile{
			Device: pr.DeviceName,
			Path:   path,
			Bytes:  n,
			Score:  score,
		})
		metrics.CapturesWrittenTotal.Inc()
		metrics.CaptureBytesTotal.Add(float64(n))

		capture := dcim.Capture{
			JobID:        def.dbJobID,
			HistoryID:    &res.HistoryID,
			DeviceID:     &device.ID,
			DeviceName:   pr.DeviceName,
			CaptureType:  def.CaptureType,
			FilePath:     path,
			FileSize:     n,
			Score:        score,
			TemplateUsed: templateUsed,
		}
		if err := r.Inventory.RecordCapture(&capture); err != nil {
			log.Warn("record capture", zap.String("device", pr.DeviceName), zap.Error(err))
		}
		if err := r.Inventory.TouchLastCollected(device.ID, time.Now()); err != nil {
			log.Warn("touch last collected", zap.String("device", pr.DeviceName), zap.Error(err))
		}

		if validationPassed {
			res.SuccessCount++
			metrics.DevicesTotal.WithLabelValues("success").Inc()
		} else {
			// Saved despite a failed validation: counted as skipped, not
			// success.
			res.SkippedCount++
			metrics.DevicesTotal.WithLabelValues("validation_skipped").Inc()
		}
	}
}

// filterHint builds the template filter from the device's vendor and
// the job's capture type, e.g. "cisco_ios_config".
func (r *Runner) filterHint(def JobDefinition, device dcim.Device) string {
	vendor := def.Vendor
	if tag := device.PlatformTag(); tag != "" {
		vendor = tag
	} else if name := device.VendorName(); name != "" {
		vendor = common.NormalizeVendor(name)
	}
	if vendor == "" {
		return def.CaptureType
	}
	return vendor + "_" + def.CaptureType
}

// saveOutput writes the cleaned transcript under
// <base>/<output_dir>/<expanded filename>.
func (r *Runner) saveOutput(def JobDefinition, device dcim.Device, cleaned string) (string, int64, error) {
	base := def.BasePath
	if base == "" {
		base = r.BasePath
	}
	if base == "" {
		base = filepath.Join(os.TempDir(), "vcollector")
	}
	if strings.HasPrefix(base, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, strings.TrimPrefix(base, "~"))
		}
	}

	dir := filepath.Join(base, def.OutputDir())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}

	name := expandFilename(def.FilenamePattern, device, def.CaptureType, time.Now())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(cleaned), 0o644); err != nil {
		return "", 0, err
	}
	return path, int64(len(cleaned)), nil
}

// expandFilename substitutes the supported placeholders.
func expandFilename(pattern string, device dcim.Device, captureType string, now time.Time) string {
	repl := strings.NewReplacer(
		"{device_name}", device.Name,
		"{device_id}", strconv.FormatInt(device.ID, 10),
		"{timestamp}", now.Format("20060102_150405"),
		"{capture_type}", captureType,
	)
	return repl.Replace(pattern)
}

// runStatus derives the terminal status for a completed run.
func runStatus(res JobResult) string {
	switch {
	case res.SuccessCount == 0:
		return dcim.RunStatusFailed
	case res.FailedCount == 0 && res.SkippedCount == 0:
		return dcim.RunStatusSuccess
	default:
		return dcim.RunStatusPartial
	}
}

// closeHistory terminates the history row and, for database-backed
// jobs, stamps the job's last run.
func (r *Runner) closeHistory(def JobDefinition, res *JobResult, total int) {
	err := r.Inventory.CompleteHistory(res.HistoryID, total,
		res.SuccessCount, res.FailedCount, res.Status, res.Error)
	if err != nil {
		zap.L().Error("close history", zap.Int64("history_id", res.HistoryID), zap.Error(err))
	}
	if def.dbJobID != nil {
		if err := r.Inventory.UpdateJobLastRun(*def.dbJobID, res.Status); err != nil {
			zap.L().Error("update job last run", zap.Error(err))
		}
	}
}
