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

// Package dcim is the device inventory: sites, platforms, roles and
// devices, plus the job definitions, run history and capture index that
// collection writes back.
package dcim

import "time"

// Device statuses follow NetBox conventions.
const (
	DeviceStatusActive  = "active"
	DeviceStatusPlanned = "planned"
	DeviceStatusStaged  = "staged"
	DeviceStatusFailed  = "failed"
	DeviceStatusOffline = "offline"
)

// Credential test outcomes.
const (
	TestResultUntested = "untested"
	TestResultSuccess  = "success"
	TestResultFailed   = "failed"
)

// Run statuses for history rows and job last-run state.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

type Site struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"uniqueIndex;not null"`
	Slug        string `gorm:"uniqueIndex;not null"`
	Status      string `gorm:"not null;default:active"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Site) TableName() string { return "dcim_site" }

type Manufacturer struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"uniqueIndex;not null"`
	Slug        string `gorm:"uniqueIndex;not null"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Manufacturer) TableName() string { return "dcim_manufacturer" }

type Platform struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Name           string `gorm:"uniqueIndex;not null"`
	Slug           string `gorm:"uniqueIndex;not null"`
	ManufacturerID *int64
	Manufacturer   *Manufacturer

	// NetmikoDeviceType is the platform tag parser templates are keyed
	// by, e.g. "cisco_ios".
	NetmikoDeviceType    string
	PagingDisableCommand string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Platform) TableName() string { return "dcim_platform" }

type DeviceRole struct {
	ID    int64  `gorm:"primaryKey;autoIncrement"`
	Name  string `gorm:"uniqueIndex;not null"`
	Slug  string `gorm:"uniqueIndex;not null"`
	Color string `gorm:"default:9e9e9e"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DeviceRole) TableName() string { return "dcim_device_role" }

type Device struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"index;not null"`

	SiteID     int64       `gorm:"not null;index"`
	Site       *Site       `gorm:"foreignKey:SiteID"`
	PlatformID *int64      `gorm:"index"`
	Platform   *Platform   `gorm:"foreignKey:PlatformID"`
	RoleID     *int64      `gorm:"index"`
	Role       *DeviceRole `gorm:"foreignKey:RoleID"`

	Status       string `gorm:"not null;default:active;index"`
	SerialNumber string

	PrimaryIP4 string
	SSHPort    int `gorm:"default:22"`

	CredentialID         *int64
	CredentialTestedAt   *time.Time
	CredentialTestResult string `gorm:"default:untested"`

	LastCollectedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Device) TableName() string { return "dcim_device" }

// Job is a stored collection job definition.
type Job struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"not null"`
	Slug        string `gorm:"uniqueIndex;not null"`
	Description string

	CaptureType string `gorm:"not null;default:custom;index"`
	Vendor      string

	CredentialID *int64

	DeviceFilterPlatformID  *int64
	DeviceFilterSiteID      *int64
	DeviceFilterRoleID      *int64
	DeviceFilterVendor      string
	DeviceFilterNamePattern string
	DeviceFilterStatus      string `gorm:"default:active"`

	PagingDisableCommand string
	Command              string `gorm:"not null"`

	OutputDirectory string
	FilenamePattern string `gorm:"default:{device_name}.txt"`

	UseTextFSM         bool   `gorm:"column:use_textfsm"`
	TextFSMTemplate    string `gorm:"column:textfsm_template"`
	ValidationMinScore float64
	StoreFailures      bool `gorm:"default:true"`

	MaxWorkers        int `gorm:"default:10"`
	TimeoutSeconds    int `gorm:"default:60"`
	InterCommandDelay int `gorm:"default:1"`
	RetryAttempts     int `gorm:"default:0"`

	BasePath string

	IsEnabled     bool `gorm:"default:true"`
	LastRunAt     *time.Time
	LastRunStatus string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "jobs" }

// JobHistory is one run attempt of a job.
type JobHistory struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	JobID   *int64 `gorm:"index"`
	JobFile string

	StartedAt   time.Time `gorm:"index;not null"`
	CompletedAt *time.Time

	TotalDevices int
	SuccessCount int
	FailedCount  int

	Status       string `gorm:"not null;default:running"`
	ErrorMessage string
}

func (JobHistory) TableName() string { return "job_history" }

// Capture indexes one artifact file written by a run.
type Capture struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	JobID      *int64 `gorm:"index"`
	HistoryID  *int64 `gorm:"index"`
	DeviceID   *int64
	DeviceName string `gorm:"index;not null"`

	CaptureType  string `gorm:"index;not null"`
	FilePath     string `gorm:"not null"`
	FileSize     int64
	Score        float64
	TemplateUsed string

	CreatedAt time.Time
}

func (Capture) TableName() string { return "captures" }
