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
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrDeviceNotFound = errors.New("device not found")

// DeviceFilter selects devices for a job or a discovery run. Zero
// fields are ignored; NamePattern is a SQL LIKE pattern.
type DeviceFilter struct {
	SiteID     *int64
	PlatformID *int64
	RoleID     *int64
	// Vendor matches the platform's manufacturer name by
	// case-insensitive substring.
	Vendor      string
	NamePattern string
	Status      string
	Limit       int
}

// Repository is the inventory query and mutation surface.
type Repository struct {
	db *gorm.DB
}

// Open opens or creates the inventory database at path.
func Open(path string) (*Repository, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open inventory database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle, migrating the inventory schema.
func New(db *gorm.DB) (*Repository, error) {
	err := db.AutoMigrate(
		&Site{}, &Manufacturer{}, &Platform{}, &DeviceRole{}, &Device{},
		&Job{}, &JobHistory{}, &Capture{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrate inventory schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// DB exposes the underlying handle so the vault can share one database
// file when configured that way.
func (r *Repository) DB() *gorm.DB { return r.db }

// Devices returns the devices matching the filter, with site, platform
// and role preloaded, ordered by name.
func (r *Repository) Devices(filter DeviceFilter) ([]Device, error) {
	q := r.db.Preload("Site").Preload("Platform").Preload("Platform.Manufacturer").Preload("Role").
		Order("dcim_device.name")

	if filter.SiteID != nil {
		q = q.Where("site_id = ?", *filter.SiteID)
	}
	if filter.PlatformID != nil {
		q = q.Where("platform_id = ?", *filter.PlatformID)
	}
	if filter.RoleID != nil {
		q = q.Where("role_id = ?", *filter.RoleID)
	}
	if filter.Vendor != "" {
		q = q.Joins("JOIN dcim_platform ON dcim_platform.id = dcim_device.platform_id").
			Joins("JOIN dcim_manufacturer ON dcim_manufacturer.id = dcim_platform.manufacturer_id").
			Where("LOWER(dcim_manufacturer.name) LIKE ?", "%"+strings.ToLower(filter.Vendor)+"%")
	}
	if filter.NamePattern != "" {
		q = q.Where("dcim_device.name LIKE ?", filter.NamePattern)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var devices []Device
	if err := q.Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// DeviceByID loads one device with its relations.
func (r *Repository) DeviceByID(id int64) (Device, error) {
	var d Device
	err := r.db.Preload("Site").Preload("Platform").Preload("Role").First(&d, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d, ErrDeviceNotFound
	}
	return d, err
}

// UpdateDeviceCredential records a credential discovery outcome on a
// device. A nil credentialID leaves the preferred credential untouched.
func (r *Repository) UpdateDeviceCredential(deviceID int64, credentialID *int64, testedAt time.Time, result string) error {
	updates := map[string]interface{}{
		"credential_tested_at":   testedAt,
		"credential_test_result": result,
	}
	if credentialID != nil {
		updates["credential_id"] = *credentialID
	}
	res := r.db.Model(&Device{}).Where("id = ?", deviceID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// CredentialCoverage summarizes credential test outcomes across the
// inventory.
type CredentialCoverage struct {
	Total      int64
	Configured int64
	Success    int64
	Failed     int64
	Untested   int64
}

// Coverage counts devices by credential test outcome.
func (r *Repository) Coverage() (CredentialCoverage, error) {
	var c CredentialCoverage
	base := func() *gorm.DB { return r.db.Model(&Device{}) }

	if err := base().Count(&c.Total).Error; err != nil {
		return c, err
	}
	if err := base().Where("credential_id IS NOT NULL").Count(&c.Configured).Error; err != nil {
		return c, err
	}
	if err := base().Where("credential_test_result = ?", TestResultSuccess).Count(&c.Success).Error; err != nil {
		return c, err
	}
	if err := base().Where("credential_test_result = ?", TestResultFailed).Count(&c.Failed).Error; err != nil {
		return c, err
	}
	c.Untested = c.Total - c.Success - c.Failed
	return c, nil
}

// TouchLastCollected stamps a successful collection on a device.
func (r *Repository) TouchLastCollected(deviceID int64, at time.Time) error {
	return r.db.Model(&Device{}).Where("id = ?", deviceID).
		Update("last_collected_at", at).Error
}

// VendorName returns the manufacturer name attached to a device via
// its platform, or "" when unknown.
func (d Device) VendorName() string {
	if d.Platform != nil && d.Platform.Manufacturer != nil {
		return d.Platform.Manufacturer.Name
	}
	return ""
}

// PlatformTag returns the device's Netmiko-style platform tag, or "".
func (d Device) PlatformTag() string {
	if d.Platform != nil {
		return d.Platform.NetmikoDeviceType
	}
	return ""
}

// PagingDisable returns the platform's paging disable command, or "".
func (d Device) PagingDisable() string {
	if d.Platform != nil {
		return d.Platform.PagingDisableCommand
	}
	return ""
}
