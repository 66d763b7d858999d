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

package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Category classifies a device-level failure so the pool and runner can
// report and gate retries uniformly.
type Category string

const (
	CategorySuccess           Category = "success"
	CategoryConnectionRefused Category = "connection_refused"
	CategoryConnectionTimeout Category = "connection_timeout"
	CategoryDNSFailure        Category = "dns_failure"
	CategoryAuth              Category = "auth"
	CategoryKex               Category = "kex"
	CategoryCommandTimeout    Category = "command_timeout"
	CategoryPromptDetection   Category = "prompt_detection"
	CategoryChannel           Category = "channel"
	CategorySocket            Category = "socket"
	CategoryProtocol          Category = "protocol"
	CategoryDisconnect        Category = "disconnect"
	CategoryCancelled         Category = "cancelled"
	CategoryUnknown           Category = "unknown"
)

// Retryable reports whether a failure in this category may be retried.
// Auth, DNS and algorithm negotiation failures are deterministic and
// never retried.
func (c Category) Retryable() bool {
	switch c {
	case CategorySuccess, CategoryAuth, CategoryDNSFailure, CategoryKex, CategoryCancelled:
		return false
	}
	return true
}

var (
	// ErrCommandTimeout is returned when the prompt counter does not
	// reach its target within the expect-prompt deadline.
	ErrCommandTimeout = errors.New("expect prompt timeout")

	// ErrPromptDetection is returned when prompt detection cannot
	// complete because the shell stream died underneath it.
	ErrPromptDetection = errors.New("prompt detection failed")
)

// Categorize maps an error from any stage of a session to its Category.
// A nil error is CategorySuccess.
func Categorize(err error) Category {
	if err == nil {
		return CategorySuccess
	}

	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, ErrCommandTimeout) {
		return CategoryCommandTimeout
	}
	if errors.Is(err, ErrPromptDetection) {
		return CategoryPromptDetection
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryDNSFailure
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return CategoryConnectionRefused
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "connection refused"):
		return CategoryConnectionRefused
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "password rejected"):
		return CategoryAuth
	case strings.Contains(msg, "no common algorithm"),
		strings.Contains(msg, "key exchange"),
		strings.Contains(msg, "kex"):
		return CategoryKex
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryConnectionTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timed out") {
		return CategoryConnectionTimeout
	}

	switch {
	case errors.Is(err, io.EOF), strings.Contains(msg, "channel"), strings.Contains(msg, "eof"):
		return CategoryChannel
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "socket"):
		return CategorySocket
	case strings.Contains(msg, "ssh:"):
		return CategoryProtocol
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategorySocket
	}

	return CategoryUnknown
}
