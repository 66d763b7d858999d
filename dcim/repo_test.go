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
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	r, err := New(db)
	require.NoError(t, err)
	return r
}

func seedInventory(t *testing.T, r *Repository) (Site, Platform, DeviceRole) {
	t.Helper()
	mfr := Manufacturer{Name: "Cisco Systems", Slug: "cisco_systems"}
	require.NoError(t, r.db.Create(&mfr).Error)

	site := Site{Name: "DEN1", Slug: "den1"}
	require.NoError(t, r.db.Create(&site).Error)

	platform := Platform{
		Name: "Cisco IOS", Slug: "cisco_ios",
		ManufacturerID:       &mfr.ID,
		NetmikoDeviceType:    "cisco_ios",
		PagingDisableCommand: "terminal length 0",
	}
	require.NoError(t, r.db.Create(&platform).Error)

	role := DeviceRole{Name: "Switch", Slug: "switch"}
	require.NoError(t, r.db.Create(&role).Error)
	return site, platform, role
}

func Test_Repository_DeviceFilter(t *testing.T) {
	r := testRepo(t)
	site, platform, role := seedInventory(t, r)

	other := Site{Name: "NYC1", Slug: "nyc1"}
	require.NoError(t, r.db.Create(&other).Error)

	devices := []Device{
		{Name: "den1-sw01", SiteID: site.ID, PlatformID: &platform.ID, RoleID: &role.ID, PrimaryIP4: "10.0.0.1"},
		{Name: "den1-sw02", SiteID: site.ID, PlatformID: &platform.ID, RoleID: &role.ID, PrimaryIP4: "10.0.0.2"},
		{Name: "den1-rt01", SiteID: site.ID, PrimaryIP4: "10.0.0.3"},
		{Name: "nyc1-sw01", SiteID: other.ID, PlatformID: &platform.ID, PrimaryIP4: "10.1.0.1"},
		{Name: "den1-old01", SiteID: site.ID, Status: DeviceStatusOffline, PrimaryIP4: "10.0.0.9"},
	}
	require.NoError(t, r.db.Create(&devices).Error)

	got, err := r.Devices(DeviceFilter{SiteID: &site.ID, Status: DeviceStatusActive})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = r.Devices(DeviceFilter{NamePattern: "den1-sw%", Status: DeviceStatusActive})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "den1-sw01", got[0].Name)

	got, err = r.Devices(DeviceFilter{PlatformID: &platform.ID, Status: DeviceStatusActive})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = r.Devices(DeviceFilter{Status: DeviceStatusActive, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Relations preload and the helper accessors resolve through them.
	got, err = r.Devices(DeviceFilter{NamePattern: "den1-sw01", Status: DeviceStatusActive})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Cisco Systems", got[0].VendorName())
	assert.Equal(t, "cisco_ios", got[0].PlatformTag())
	assert.Equal(t, "terminal length 0", got[0].PagingDisable())
}

func Test_Repository_DeviceFilterVendor(t *testing.T) {
	r := testRepo(t)
	site, platform, _ := seedInventory(t, r)

	arista := Manufacturer{Name: "Arista Networks", Slug: "arista_networks"}
	require.NoError(t, r.db.Create(&arista).Error)
	eos := Platform{
		Name: "Arista EOS", Slug: "arista_eos",
		ManufacturerID:    &arista.ID,
		NetmikoDeviceType: "arista_eos",
	}
	require.NoError(t, r.db.Create(&eos).Error)

	devices := []Device{
		{Name: "den1-sw01", SiteID: site.ID, PlatformID: &platform.ID, PrimaryIP4: "10.0.0.1"},
		{Name: "den1-sw02", SiteID: site.ID, PlatformID: &eos.ID, PrimaryIP4: "10.0.0.2"},
		{Name: "den1-rt01", SiteID: site.ID, PrimaryIP4: "10.0.0.3"},
	}
	require.NoError(t, r.db.Create(&devices).Error)

	// Substring match against the manufacturer name, case-insensitive.
	got, err := r.Devices(DeviceFilter{Vendor: "cisco"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "den1-sw01", got[0].Name)

	got, err = r.Devices(DeviceFilter{Vendor: "ARISTA"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "den1-sw02", got[0].Name)

	// Devices without a platform never match a vendor filter.
	got, err = r.Devices(DeviceFilter{Vendor: "networks"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "den1-sw02", got[0].Name)

	got, err = r.Devices(DeviceFilter{Vendor: "juniper"})
	require.NoError(t, err)
	assert.Empty(t, got)

	// Combines with the other filter fields.
	got, err = r.Devices(DeviceFilter{Vendor: "cisco", NamePattern: "den1-%", Status: DeviceStatusActive})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func Test_Repository_UpdateDeviceCredential(t *testing.T) {
	r := testRepo(t)
	site, _, _ := seedInventory(t, r)

	d := Device{Name: "den1-sw01", SiteID: site.ID, PrimaryIP4: "10.0.0.1"}
	require.NoError(t, r.db.Create(&d).Error)

	credID := int64(7)
	now := time.Now()
	require.NoError(t, r.UpdateDeviceCredential(d.ID, &credID, now, TestResultSuccess))

	got, err := r.DeviceByID(d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CredentialID)
	assert.Equal(t, credID, *got.CredentialID)
	assert.Equal(t, TestResultSuccess, got.CredentialTestResult)
	require.NotNil(t, got.CredentialTestedAt)

	// Failed test without a credential id leaves the preference alone.
	require.NoError(t, r.UpdateDeviceCredential(d.ID, nil, now, TestResultFailed))
	got, err = r.DeviceByID(d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CredentialID)
	assert.Equal(t, credID, *got.CredentialID)
	assert.Equal(t, TestResultFailed, got.CredentialTestResult)

	assert.ErrorIs(t, r.UpdateDeviceCredential(9999, nil, now, TestResultFailed), ErrDeviceNotFound)
}

func Test_Repository_JobLifecycle(t *testing.T) {
	r := testRepo(t)

	job := Job{
		Name: "Daily Configs", Slug: "daily-configs",
		CaptureType: "config", Command: "show running-config",
		PagingDisableCommand: "terminal length 0",
		UseTextFSM:           true, ValidationMinScore: 30,
		MaxWorkers: 5, IsEnabled: true,
	}
	require.NoError(t, r.CreateJob(&job))

	got, err := r.JobBySlug("daily-configs")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = r.JobBySlug("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	histID, err := r.CreateHistory(&job.ID, "")
	require.NoError(t, err)

	var h JobHistory
	require.NoError(t, r.db.First(&h, histID).Error)
	assert.Equal(t, RunStatusRunning, h.Status)
	assert.Nil(t, h.CompletedAt)

	require.NoError(t, r.CompleteHistory(histID, 10, 8, 2, RunStatusPartial, ""))
	require.NoError(t, r.UpdateJobLastRun(job.ID, RunStatusPartial))

	require.NoError(t, r.db.First(&h, histID).Error)
	assert.Equal(t, RunStatusPartial, h.Status)
	assert.NotNil(t, h.CompletedAt)
	assert.Equal(t, 10, h.TotalDevices)
	assert.Equal(t, 8, h.SuccessCount)

	got, err = r.JobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusPartial, got.LastRunStatus)
	assert.NotNil(t, got.LastRunAt)

	rows, err := r.History(&job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func Test_Repository_Coverage(t *testing.T) {
	r := testRepo(t)
	site, _, _ := seedInventory(t, r)

	credID := int64(3)
	devices := []Device{
		{Name: "den1-sw01", SiteID: site.ID, CredentialID: &credID, CredentialTestResult: TestResultSuccess},
		{Name: "den1-sw02", SiteID: site.ID, CredentialTestResult: TestResultFailed},
		{Name: "den1-sw03", SiteID: site.ID},
	}
	require.NoError(t, r.db.Create(&devices).Error)

	c, err := r.Coverage()
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Total)
	assert.Equal(t, int64(1), c.Configured)
	assert.Equal(t, int64(1), c.Success)
	assert.Equal(t, int64(1), c.Failed)
	assert.Equal(t, int64(1), c.Untested)
}

func Test_Repository_DuplicateJob(t *testing.T) {
	r := testRepo(t)

	job := Job{
		Name: "Daily Configs", Slug: "daily-configs",
		CaptureType: "config", Command: "show running-config",
		IsEnabled: true,
	}
	require.NoError(t, r.CreateJob(&job))
	require.NoError(t, r.UpdateJobLastRun(job.ID, RunStatusSuccess))

	copied, err := r.DuplicateJob("daily-configs", "daily-configs-lab")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, copied.ID)
	assert.Equal(t, "daily-configs-lab", copied.Slug)
	assert.Equal(t, "show running-config", copied.Command)
	assert.False(t, copied.IsEnabled)
	assert.Nil(t, copied.LastRunAt)
	assert.Empty(t, copied.LastRunStatus)

	_, err = r.DuplicateJob("nope", "whatever")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, r.SetJobEnabled(copied.ID, true))
	enabled, err := r.Jobs("", true)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)
}

func Test_Repository_Captures(t *testing.T) {
	r := testRepo(t)

	histID := int64(1)
	require.NoError(t, r.RecordCapture(&Capture{
		HistoryID: &histID, DeviceName: "den1-sw01",
		CaptureType: "config", FilePath: "/tmp/den1-sw01.txt",
		FileSize: 2048, Score: 87.5, TemplateUsed: "cisco_ios_show_running-config",
	}))

	rows, err := r.Captures(&histID, "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "den1-sw01", rows[0].DeviceName)

	rows, err = r.Captures(nil, "den1-sw01", 5)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
