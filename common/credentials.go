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

package common

import "sync"

// SSHCredentials is a decrypted credential bundle for device
// authentication. Instances exist only in process memory; the vault
// stores the secret fields encrypted. Callers must treat the plaintext
// as ephemeral.
type SSHCredentials struct {
	Username      string
	Password      string
	KeyPEM        string // private key content, never written to disk
	KeyPassphrase string
}

// HasKey reports whether a private key is available.
func (c SSHCredentials) HasKey() bool {
	return c.KeyPEM != ""
}

// HasPassword reports whether a password is available.
func (c SSHCredentials) HasPassword() bool {
	return c.Password != ""
}

// CredentialCache is a name-keyed cache of decrypted credentials,
// populated lazily by a job run and read-only afterwards.
type CredentialCache struct {
	mu    sync.Mutex
	creds map[string]SSHCredentials
}

func NewCredentialCache() *CredentialCache {
	return &CredentialCache{
		creds: make(map[string]SSHCredentials),
	}
}

func (c *CredentialCache) Get(name string) (SSHCredentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.creds[name]
	return val, ok
}

func (c *CredentialCache) Set(name string, value SSHCredentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[name] = value
}

func (c *CredentialCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.creds)
}
