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

// Package vault stores SSH credentials encrypted at rest in a sqlite
// database. Secrets are sealed per field with a key derived from a
// master password; the key lives only in memory while the vault is
// unlocked.
package vault

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/velocitynet/vcollector/common"
)

var (
	ErrLocked             = errors.New("vault is locked")
	ErrCorrupt            = errors.New("vault ciphertext corrupt")
	ErrNotInitialized     = errors.New("vault not initialized")
	ErrAlreadyInitialized = errors.New("vault already initialized")
	ErrNotFound           = errors.New("credential not found")
	ErrNoDefault          = errors.New("no default credential configured")
)

const (
	metaSalt         = "salt"
	metaPasswordHash = "password_hash"
	metaIterations   = "iterations"
)

type metadataRow struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value string `gorm:"column:value;not null"`
}

func (metadataRow) TableName() string { return "vault_metadata" }

type credentialRow struct {
	ID                        int64  `gorm:"primaryKey;autoIncrement"`
	Name                      string `gorm:"uniqueIndex;not null"`
	Username                  string `gorm:"not null"`
	PasswordEncrypted         []byte
	SSHKeyEncrypted           []byte
	SSHKeyPassphraseEncrypted []byte
	IsDefault                 bool `gorm:"index"`
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

func (credentialRow) TableName() string { return "credentials" }

// Info describes a stored credential without exposing any secret:
// presence flags only.
type Info struct {
	ID            int64
	Name          string
	Username      string
	HasPassword   bool
	HasKey        bool
	HasPassphrase bool
	IsDefault     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Vault is safe for concurrent use.
type Vault struct {
	mu  sync.Mutex
	db  *gorm.DB
	key []byte
}

// Open opens or creates the vault database at path.
func Open(path string) (*Vault, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open vault database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle, migrating the vault schema.
func New(db *gorm.DB) (*Vault, error) {
	if err := db.AutoMigrate(&metadataRow{}, &credentialRow{}); err != nil {
		return nil, fmt.Errorf("migrate vault schema: %w", err)
	}
	return &Vault{db: db}, nil
}

// IsInitialized reports whether a master password has been set.
func (v *Vault) IsInitialized() (bool, error) {
	var count int64
	err := v.db.Model(&metadataRow{}).Where("key = ?", metaPasswordHash).Count(&count).Error
	return count > 0, err
}

// Initialize sets the master password and unlocks the vault. Fails if
// the vault already holds an envelope.
func (v *Vault) Initialize(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	initialized, err := v.IsInitialized()
	if err != nil {
		return err
	}
	if initialized {
		return ErrAlreadyInitialized
	}

	salt, err := newSalt()
	if err != nil {
		return err
	}
	tag := deriveVerifyTag(password, salt)

	err = v.db.Transaction(func(tx *gorm.DB) error {
		rows := []metadataRow{
			{Key: metaSalt, Value: base64.StdEncoding.EncodeToString(salt)},
			{Key: metaPasswordHash, Value: base64.StdEncoding.EncodeToString(tag)},
			{Key: metaIterations, Value: strconv.Itoa(defaultKeyIterations)},
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return err
	}

	v.key = deriveKey(password, salt, defaultKeyIterations)
	return nil
}

// Unlock verifies the master password and derives the encryption key.
// A wrong password returns (false, nil), not an error.
func (v *Vault) Unlock(password string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	salt, storedTag, iterations, err := v.envelope()
	if err != nil {
		return false, err
	}

	tag := deriveVerifyTag(password, salt)
	if subtle.ConstantTimeCompare(tag, storedTag) != 1 {
		return false, nil
	}

	v.key = deriveKey(password, salt, iterations)
	return true, nil
}

// Lock drops the in-memory key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
}

// Unlocked reports whether a key is held.
func (v *Vault) Unlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key != nil
}

func (v *Vault) envelope() (salt, tag []byte, iterations int, err error) {
	var rows []metadataRow
	if err := v.db.Where("key IN ?", []string{metaSalt, metaPasswordHash, metaIterations}).Find(&rows).Error; err != nil {
		return nil, nil, 0, err
	}
	vals := make(map[string]string, len(rows))
	for _, r := range rows {
		vals[r.Key] = r.Value
	}
	saltB64, ok1 := vals[metaSalt]
	tagB64, ok2 := vals[metaPasswordHash]
	if !ok1 || !ok2 {
		return nil, nil, 0, ErrNotInitialized
	}
	if salt, err = base64.StdEncoding.DecodeString(saltB64); err != nil {
		return nil, nil, 0, fmt.Errorf("%w: bad salt encoding", ErrCorrupt)
	}
	if tag, err = base64.StdEncoding.DecodeString(tagB64); err != nil {
		return nil, nil, 0, fmt.Errorf("%w: bad hash encoding", ErrCorrupt)
	}
	// Stores written before the count was recorded derive with the
	// default.
	iterations = defaultKeyIterations
	if s, ok := vals[metaIterations]; ok {
		n, convErr := strconv.Atoi(s)
		if convErr != nil || n <= 0 {
			return nil, nil, 0, fmt.Errorf("%w: bad iteration count", ErrCorrupt)
		}
		iterations = n
	}
	return salt, tag, iterations, nil
}

// Add stores a credential. At least one secret field must be present.
func (v *Vault) Add(name string, creds common.SSHCredentials, makeDefault bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	if creds.Username == "" {
		return errors.New("username required")
	}
	if !creds.HasPassword() && !creds.HasKey() {
		return errors.New("credential needs a password or a key")
	}

	row := credentialRow{
		Name:      name,
		Username:  creds.Username,
		IsDefault: makeDefault,
	}
	var err error
	if creds.Password != "" {
		if row.PasswordEncrypted, err = sealSecret(v.key, []byte(creds.Password)); err != nil {
			return err
		}
	}
	if creds.KeyPEM != "" {
		if row.SSHKeyEncrypted, err = sealSecret(v.key, []byte(creds.KeyPEM)); err != nil {
			return err
		}
	}
	if creds.KeyPassphrase != "" {
		if row.SSHKeyPassphraseEncrypted, err = sealSecret(v.key, []byte(creds.KeyPassphrase)); err != nil {
			return err
		}
	}

	return v.db.Transaction(func(tx *gorm.DB) error {
		if makeDefault {
			if err := tx.Model(&credentialRow{}).Where("is_default = ?", true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(&row).Error
	})
}

// Remove deletes a credential by name.
func (v *Vault) Remove(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	res := v.db.Where("name = ?", name).Delete(&credentialRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDefault marks name as the default credential, clearing the flag on
// every other row in the same transaction.
func (v *Vault) SetDefault(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	return v.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&credentialRow{}).Where("is_default = ?", true).
			Update("is_default", false).Error; err != nil {
			return err
		}
		res := tx.Model(&credentialRow{}).Where("name = ?", name).
			Update("is_default", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns presence metadata for every credential, never plaintext.
func (v *Vault) List() ([]Info, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, ErrLocked
	}
	var rows []credentialRow
	if err := v.db.Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(rows))
	for _, r := range rows {
		infos = append(infos, Info{
			ID:            r.ID,
			Name:          r.Name,
			Username:      r.Username,
			HasPassword:   len(r.PasswordEncrypted) > 0,
			HasKey:        len(r.SSHKeyEncrypted) > 0,
			HasPassphrase: len(r.SSHKeyPassphraseEncrypted) > 0,
			IsDefault:     r.IsDefault,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		})
	}
	return infos, nil
}

// Get decrypts a credential by name; an empty name resolves the default.
// The resolved name is returned alongside the plaintext bundle.
func (v *Vault) Get(name string) (common.SSHCredentials, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return common.SSHCredentials{}, "", ErrLocked
	}

	var row credentialRow
	q := v.db
	if name == "" {
		q = q.Where("is_default = ?", true)
	} else {
		q = q.Where("name = ?", name)
	}
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if name == "" {
				return common.SSHCredentials{}, "", ErrNoDefault
			}
			return common.SSHCredentials{}, "", ErrNotFound
		}
		return common.SSHCredentials{}, "", err
	}

	creds, err := v.decryptRow(row, v.key)
	if err != nil {
		return common.SSHCredentials{}, "", err
	}
	return creds, row.Name, nil
}

// GetByID decrypts a credential by its row id. Device records reference
// credentials this way.
func (v *Vault) GetByID(id int64) (common.SSHCredentials, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return common.SSHCredentials{}, "", ErrLocked
	}

	var row credentialRow
	if err := v.db.First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.SSHCredentials{}, "", ErrNotFound
		}
		return common.SSHCredentials{}, "", err
	}
	creds, err := v.decryptRow(row, v.key)
	if err != nil {
		return common.SSHCredentials{}, "", err
	}
	return creds, row.Name, nil
}

func (v *Vault) decryptRow(row credentialRow, key []byte) (common.SSHCredentials, error) {
	creds := common.SSHCredentials{Username: row.Username}
	if len(row.PasswordEncrypted) > 0 {
		pt, err := openSecret(key, row.PasswordEncrypted)
		if err != nil {
			return creds, fmt.Errorf("credential %q password: %w", row.Name, err)
		}
		creds.Password = string(pt)
	}
	if len(row.SSHKeyEncrypted) > 0 {
		pt, err := openSecret(key, row.SSHKeyEncrypted)
		if err != nil {
			return creds, fmt.Errorf("credential %q key: %w", row.Name, err)
		}
		creds.KeyPEM = string(pt)
	}
	if len(row.SSHKeyPassphraseEncrypted) > 0 {
		pt, err := openSecret(key, row.SSHKeyPassphraseEncrypted)
		if err != nil {
			return creds, fmt.Errorf("credential %q passphrase: %w", row.Name, err)
		}
		creds.KeyPassphrase = string(pt)
	}
	return creds, nil
}

// ChangePassword re-encrypts every secret with a key derived from the
// new password and swaps the envelope, all in one transaction. The
// vault stays unlocked with the new key on success and is untouched on
// failure.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	salt, storedTag, iterations, err := v.envelope()
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(deriveVerifyTag(oldPassword, salt), storedTag) != 1 {
		return errors.New("old password incorrect")
	}
	oldKey := deriveKey(oldPassword, salt, iterations)

	newSaltBytes, err := newSalt()
	if err != nil {
		return err
	}
	newKey := deriveKey(newPassword, newSaltBytes, defaultKeyIterations)
	newTag := deriveVerifyTag(newPassword, newSaltBytes)

	err = v.db.Transaction(func(tx *gorm.DB) error {
		var rows []credentialRow
		if err := tx.Find(&rows).Error; err != nil {
			return err
		}
		for i := range rows {
			plain, err := v.decryptRow(rows[i], oldKey)
			if err != nil {
				return err
			}
			rows[i].PasswordEncrypted = nil
			rows[i].SSHKeyEncrypted = nil
			rows[i].SSHKeyPassphraseEncrypted = nil
			if plain.Password != "" {
				if rows[i].PasswordEncrypted, err = sealSecret(newKey, []byte(plain.Password)); err != nil {
					return err
				}
			}
			if plain.KeyPEM != "" {
				if rows[i].SSHKeyEncrypted, err = sealSecret(newKey, []byte(plain.KeyPEM)); err != nil {
					return err
				}
			}
			if plain.KeyPassphrase != "" {
				if rows[i].SSHKeyPassphraseEncrypted, err = sealSecret(newKey, []byte(plain.KeyPassphrase)); err != nil {
					return err
				}
			}
			if err := tx.Save(&rows[i]).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&metadataRow{}).Where("key = ?", metaSalt).
			Update("value", base64.StdEncoding.EncodeToString(newSaltBytes)).Error; err != nil {
			return err
		}
		if err := tx.Model(&metadataRow{}).Where("key = ?", metaPasswordHash).
			Update("value", base64.StdEncoding.EncodeToString(newTag)).Error; err != nil {
			return err
		}
		// Delete-then-create so stores predating the iteration row gain
		// one during rotation.
		if err := tx.Where("key = ?", metaIterations).Delete(&metadataRow{}).Error; err != nil {
			return err
		}
		return tx.Create(&metadataRow{
			Key: metaIterations, Value: strconv.Itoa(defaultKeyIterations),
		}).Error
	})
	if err != nil {
		return err
	}

	v.key = newKey
	return nil
}
