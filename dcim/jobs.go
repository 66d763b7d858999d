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

package dcim

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrHistoryNotFound = errors.New("history row not found")
)

// JobBySlug loads a stored job definition by its slug.
func (r *Repository) JobBySlug(slug string) (Job, error) {
	var j Job
	err := r.db.Where("slug = ?", slug).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return j, ErrJobNotFound
	}
	return j, err
}

// JobByID loads a stored job definition by id.
func (r *Repository) JobByID(id int64) (Job, error) {
	var j Job
	err := r.db.First(&j, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return j, ErrJobNotFound
	}
	return j, err
}

// Jobs lists job definitions, optionally restricted to a capture type
// and to enabled jobs only.
func (r *Repository) Jobs(captureType string, enabledOnly bool) ([]Job, error) {
	q := r.db.Order("slug")
	if captureType != "" {
		q = q.Where("capture_type = ?", captureType)
	}
	if enabledOnly {
		q = q.Where("is_enabled = ?", true)
	}
	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// CreateJob stores a job definition.
func (r *Repository) CreateJob(j *Job) error {
	return r.db.Create(j).Error
}

// SetJobEnabled toggles whether a job is picked up by batch --all.
func (r *Repository) SetJobEnabled(id int64, enabled bool) error {
	res := r.db.Model(&Job{}).Where("id = ?", id).Update("is_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DuplicateJob copies an existing job under a new slug. The copy starts
// disabled with its run bookkeeping cleared.
func (r *Repository) DuplicateJob(slug, newSlug string) (Job, error) {
	j, err := r.JobBySlug(slug)
	if err != nil {
		return Job{}, err
	}
	j.ID = 0
	j.Slug = newSlug
	j.Name = j.Name + " (copy)"
	j.IsEnabled = false
	j.LastRunAt = nil
	j.LastRunStatus = ""
	j.CreatedAt = time.Time{}
	j.UpdatedAt = time.Time{}
	if err := r.db.Create(&j).Error; err != nil {
		return Job{}, err
	}
	return j, nil
}

// CreateHistory opens a running history row and returns its id.
func (r *Repository) CreateHistory(jobID *int64, jobFile string) (int64, error) {
	h := JobHistory{
		JobID:     jobID,
		JobFile:   jobFile,
		StartedAt: time.Now(),
		Status:    RunStatusRunning,
	}
	if err := r.db.Create(&h).Error; err != nil {
		return 0, err
	}
	return h.ID, nil
}

// CompleteHistory closes a history row with final counts and status.
func (r *Repository) CompleteHistory(historyID int64, total, success, failed int, status, errorMessage string) error {
	now := time.Now()
	res := r.db.Model(&JobHistory{}).Where("id = ?", historyID).Updates(map[string]interface{}{
		"completed_at":  now,
		"total_devices": total,
		"success_count": success,
		"failed_count":  failed,
		"status":        status,
		"error_message": errorMessage,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrHistoryNotFound
	}
	return nil
}

// UpdateJobLastRun stamps a job's most recent completed run.
func (r *Repository) UpdateJobLastRun(jobID int64, status string) error {
	now := time.Now()
	res := r.db.Model(&Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"last_run_at":     now,
		"last_run_status": status,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecordCapture indexes a written artifact file.
func (r *Repository) RecordCapture(c *Capture) error {
	return r.db.Create(c).Error
}

// History lists run history, newest first, optionally limited.
func (r *Repository) History(jobID *int64, limit int) ([]JobHistory, error) {
	q := r.db.Order("started_at DESC")
	if jobID != nil {
		q = q.Where("job_id = ?", *jobID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []JobHistory
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Captures lists capture records for a device or history row.
func (r *Repository) Captures(historyID *int64, deviceName string, limit int) ([]Capture, error) {
	q := r.db.Order("created_at DESC")
	if historyID != nil {
		q = q.Where("history_id = ?", *historyID)
	}
	if deviceName != "" {
		q = q.Where("device_name = ?", deviceName)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Capture
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
