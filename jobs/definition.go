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

// Package jobs resolves, executes and records collection jobs: query
// devices, fan commands out over SSH, validate the output and write
// capture artifacts.
package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/velocitynet/vcollector/dcim"
)

// JobRef names a job to run: a database slug or id, or a legacy YAML
// file path. Exactly one field should be set.
type JobRef struct {
	Slug string
	ID   int64
	File string
}

// JobDefinition is the internal shape every job source resolves to.
type JobDefinition struct {
	JobID       string
	CaptureType string
	Vendor      string

	CredentialID *int64

	PagingDisable   string
	Command         string
	OutputDirectory string

	FilterSiteID      *int64
	FilterPlatformID  *int64
	FilterRoleID      *int64
	FilterVendor      string
	FilterNamePattern string
	FilterStatus      string

	UseTextFSM     bool
	TemplateFilter string
	MinScore       float64
	StoreFailures  bool

	MaxWorkers        int
	TimeoutSeconds    int
	InterCommandDelay int
	RetryAttempts     int

	BasePath        string
	FilenamePattern string

	// dbJobID links back to the stored job row for last-run updates;
	// nil for file-backed definitions.
	dbJobID *int64
}

func (d *JobDefinition) applyDefaults() {
	if d.CaptureType == "" {
		d.CaptureType = "custom"
	}
	if d.FilterStatus == "" {
		d.FilterStatus = dcim.DeviceStatusActive
	}
	if d.FilenamePattern == "" {
		d.FilenamePattern = "{device_name}.txt"
	}
	if d.MaxWorkers <= 0 {
		d.MaxWorkers = 10
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = 60
	}
	if d.InterCommandDelay < 0 {
		d.InterCommandDelay = 0
	}
}

// CommandString joins the paging-disable command and the primary
// command with a comma, preserving any empty tokens in the primary.
func (d *JobDefinition) CommandString() string {
	if d.PagingDisable == "" {
		return d.Command
	}
	return d.PagingDisable + "," + d.Command
}

// OutputDir is the per-capture subdirectory under the base path.
func (d *JobDefinition) OutputDir() string {
	if d.OutputDirectory != "" {
		return d.OutputDirectory
	}
	return d.CaptureType
}

// DeviceFilter translates the definition's filter block.
func (d *JobDefinition) DeviceFilter(limit int) dcim.DeviceFilter {
	return dcim.DeviceFilter{
		SiteID:      d.FilterSiteID,
		PlatformID:  d.FilterPlatformID,
		RoleID:      d.FilterRoleID,
		Vendor:      d.FilterVendor,
		NamePattern: d.FilterNamePattern,
		Status:      d.FilterStatus,
		Limit:       limit,
	}
}

// FromJob converts a stored job row.
func FromJob(j dcim.Job) JobDefinition {
	id := j.ID
	def := JobDefinition{
		JobID:       j.Slug,
		CaptureType: j.CaptureType,
		Vendor:      j.Vendor,

		CredentialID: j.CredentialID,

		PagingDisable:   j.PagingDisableCommand,
		Command:         j.Command,
		OutputDirectory: j.OutputDirectory,

		FilterSiteID:      j.DeviceFilterSiteID,
		FilterPlatformID:  j.DeviceFilterPlatformID,
		FilterRoleID:      j.DeviceFilterRoleID,
		FilterVendor:      j.DeviceFilterVendor,
		FilterNamePattern: j.DeviceFilterNamePattern,
		FilterStatus:      j.DeviceFilterStatus,

		UseTextFSM:     j.UseTextFSM,
		TemplateFilter: j.TextFSMTemplate,
		MinScore:       j.ValidationMinScore,
		StoreFailures:  j.StoreFailures,

		MaxWorkers:        j.MaxWorkers,
		TimeoutSeconds:    j.TimeoutSeconds,
		InterCommandDelay: j.InterCommandDelay,
		RetryAttempts:     j.RetryAttempts,

		BasePath:        j.BasePath,
		FilenamePattern: j.FilenamePattern,

		dbJobID: &id,
	}
	def.applyDefaults()
	return def
}

// jobFile is the legacy YAML job document.
type jobFile struct {
	JobID       string `yaml:"job_id"`
	CaptureType string `yaml:"capture_type"`
	Vendor      string `yaml:"vendor"`

	Commands struct {
		PagingDisable   string `yaml:"paging_disable"`
		Command         string `yaml:"command"`
		OutputDirectory string `yaml:"output_directory"`
	} `yaml:"commands"`

	DeviceFilter struct {
		Source      string `yaml:"source"`
		Vendor      string `yaml:"vendor"`
		PlatformID  *int64 `yaml:"platform_id"`
		SiteID      *int64 `yaml:"site_id"`
		RoleID      *int64 `yaml:"role_id"`
		NamePattern string `yaml:"name_pattern"`
		Status      string `yaml:"status"`
	} `yaml:"device_filter"`

	Validation struct {
		UseTFSM       *bool   `yaml:"use_tfsm"`
		TFSMFilter    string  `yaml:"tfsm_filter"`
		MinScore      float64 `yaml:"min_score"`
		StoreFailures *bool   `yaml:"store_failures"`
	} `yaml:"validation"`

	Execution struct {
		MaxWorkers       int `yaml:"max_workers"`
		Timeout          int `yaml:"timeout"`
		InterCommandTime int `yaml:"inter_command_time"`
		RetryAttempts    int `yaml:"retry_attempts"`
	} `yaml:"execution"`

	Storage struct {
		BasePath        string `yaml:"base_path"`
		FilenamePattern string `yaml:"filename_pattern"`
	} `yaml:"storage"`
}

// LoadJobFile reads a legacy YAML job definition.
func LoadJobFile(path string) (JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JobDefinition{}, fmt.Errorf("read job file: %w", err)
	}

	var f jobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return JobDefinition{}, fmt.Errorf("parse job file %s: %w", path, err)
	}
	if strings.TrimSpace(f.Commands.Command) == "" {
		return JobDefinition{}, fmt.Errorf("job file %s: commands.command is required", path)
	}

	jobID := f.JobID
	if jobID == "" {
		jobID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	def := JobDefinition{
		JobID:       jobID,
		CaptureType: f.CaptureType,
		Vendor:      f.Vendor,

		PagingDisable:   f.Commands.PagingDisable,
		Command:         f.Commands.Command,
		OutputDirectory: f.Commands.OutputDirectory,

		FilterSiteID:      f.DeviceFilter.SiteID,
		FilterPlatformID:  f.DeviceFilter.PlatformID,
		FilterRoleID:      f.DeviceFilter.RoleID,
		FilterVendor:      f.DeviceFilter.Vendor,
		FilterNamePattern: f.DeviceFilter.NamePattern,
		FilterStatus:      f.DeviceFilter.Status,

		UseTextFSM:     f.Validation.UseTFSM == nil || *f.Validation.UseTFSM,
		TemplateFilter: f.Validation.TFSMFilter,
		MinScore:       f.Validation.MinScore,
		StoreFailures:  f.Validation.StoreFailures == nil || *f.Validation.StoreFailures,

		MaxWorkers:        f.Execution.MaxWorkers,
		TimeoutSeconds:    f.Execution.Timeout,
		InterCommandDelay: f.Execution.InterCommandTime,
		RetryAttempts:     f.Execution.RetryAttempts,

		BasePath:        f.Storage.BasePath,
		FilenamePattern: f.Storage.FilenamePattern,
	}
	def.applyDefaults()
	return def, nil
}
