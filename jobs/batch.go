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
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/velocitynet/vcollector/dcim"
)

// BatchResult aggregates a multi-job run.
type BatchResult struct {
	JobsTotal     int
	JobsSucceeded int
	JobsFailed    int

	DevicesTotal   int
	DevicesSuccess int
	DevicesFailed  int
	DevicesSkipped int

	CapturesWritten int
	Elapsed         time.Duration

	// Results holds per-job outcomes in the order the refs were given.
	Results []JobResult
}

// Batch runs multiple jobs in parallel, each still fanning out over its
// own device pool.
type Batch struct {
	Runner      *Runner
	Concurrency int
}

// Run executes every ref under the batch's concurrency bound and
// returns the aggregate. A job whose run errors is counted as failed;
// remaining jobs still run.
func (b *Batch) Run(ctx context.Context, refs []JobRef, opts RunOptions) (BatchResult, error) {
	start := time.Now()
	concurrency := b.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}

	results := make([]JobResult, len(refs))
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = JobResult{Status: dcim.RunStatusFailed, Error: err.Error()}
				return nil
			}
			defer sem.Release(1)

			res, err := b.Runner.Run(gctx, ref, opts, nil)
			if err != nil {
				if res.Status == "" {
					res.Status = dcim.RunStatusFailed
				}
				if res.Error == "" {
					res.Error = err.Error()
				}
				zap.L().Error("batch job failed",
					zap.String("job", res.JobID),
					zap.Error(err))
			}
			results[i] = res
			return nil
		})
	}
	// Workers swallow their own errors; Wait only propagates ctx
	// cancellation.
	_ = g.Wait()

	agg := BatchResult{
		JobsTotal: len(refs),
		Results:   results,
		Elapsed:   time.Since(start),
	}
	for _, r := range results {
		if r.Status == dcim.RunStatusSuccess || r.Status == dcim.RunStatusPartial {
			agg.JobsSucceeded++
		} else {
			agg.JobsFailed++
		}
		agg.DevicesTotal += r.SuccessCount + r.FailedCount + r.SkippedCount
		agg.DevicesSuccess += r.SuccessCount
		agg.DevicesFailed += r.FailedCount
		agg.DevicesSkipped += r.SkippedCount
		agg.CapturesWritten += len(r.SavedFiles)
	}
	return agg, ctx.Err()
}
