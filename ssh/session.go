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

// Package ssh drives interactive shells on network devices. Unlike an
// exec-channel client it works the way a human operator does: open a
// pty, detect the prompt, send commands, and treat reappearances of the
// prompt as command boundaries.
package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	xssh "golang.org/x/crypto/ssh"

	"github.com/velocitynet/vcollector/ansi"
)

// State tracks where a session is in its lifecycle.
type State string

const (
	StateNew           State = "new"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateShellOpen     State = "shell_open"
	StateReady         State = "ready"
	StateExecuting     State = "executing"
	StateClosed        State = "closed"
)

// Options configures a single device session.
type Options struct {
	Host          string
	Port          int
	Username      string
	Password      string
	KeyPEM        string
	KeyPassphrase string

	// LegacyMode orders legacy KEX, cipher and host key algorithms
	// first so older network gear can negotiate.
	LegacyMode bool

	ConnectTimeout      time.Duration
	ShellTimeout        time.Duration
	InterCommandTime    time.Duration
	ExpectPromptTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Port == 0 {
		o.Port = 22
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ShellTimeout == 0 {
		o.ShellTimeout = 2 * time.Second
	}
	if o.InterCommandTime == 0 {
		o.InterCommandTime = 1 * time.Second
	}
	if o.ExpectPromptTimeout == 0 {
		o.ExpectPromptTimeout = 60 * time.Second
	}
}

// Algorithm preference lists. Legacy mode fronts the algorithms old IOS
// and comparable platforms still speak; modern mode is the reverse.
var (
	modernKex = []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group14-sha1",
	}
	legacyKex = []string{
		"diffie-hellman-group1-sha1",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group-exchange-sha1",
		"diffie-hellman-group-exchange-sha256",
		"diffie-hellman-group14-sha256",
		"ecdh-sha2-nistp256",
		"curve25519-sha256",
	}

	modernCiphers = []string{
		"aes128-gcm@openssh.com", "aes256-gcm@openssh.com",
		"chacha20-poly1305@openssh.com",
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
	}
	legacyCiphers = []string{
		"aes128-cbc", "3des-cbc", "aes192-cbc", "aes256-cbc",
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
	}

	modernHostKeys = []string{
		"ssh-ed25519",
		"ecdsa-sha2-nistp256", "ecdsa-sha2-nistp384", "ecdsa-sha2-nistp521",
		"rsa-sha2-512", "rsa-sha2-256",
		"ssh-rsa",
	}
	legacyHostKeys = []string{
		"ssh-rsa", "ssh-dss",
		"rsa-sha2-256", "rsa-sha2-512",
		"ecdsa-sha2-nistp256",
		"ssh-ed25519",
	}
)

// shellStream abstracts the interactive channel so session logic can be
// tested without a transport. recv blocks up to the given window and
// returns errNoData when the device stayed quiet.
type shellStream interface {
	send(s string) error
	recv(window time.Duration) ([]byte, error)
	close() error
}

// errNoData signals an empty recv window, not a dead stream.
var errNoData = errors.New("no data within window")

// sshStream adapts an x/crypto/ssh session to shellStream. The ssh
// package offers no read deadlines, so a pump goroutine moves stdout
// chunks onto a channel that recv can select on.
type sshStream struct {
	stdin  io.WriteCloser
	chunks chan []byte
	done   chan struct{}
}

func newSSHStream(stdin io.WriteCloser, stdout io.Reader) *sshStream {
	st := &sshStream{
		stdin:  stdin,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go st.pump(stdout)
	return st
}

func (st *sshStream) pump(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case st.chunks <- chunk:
			case <-st.done:
				return
			}
		}
		if err != nil {
			close(st.chunks)
			return
		}
	}
}

func (st *sshStream) send(s string) error {
	_, err := io.WriteString(st.stdin, s)
	return err
}

func (st *sshStream) recv(window time.Duration) ([]byte, error) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case chunk, ok := <-st.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-timer.C:
		return nil, errNoData
	}
}

func (st *sshStream) close() error {
	select {
	case <-st.done:
	default:
		close(st.done)
	}
	return st.stdin.Close()
}

// Session is one interactive shell on one device. Not safe for
// concurrent use; each pool worker owns exactly one.
type Session struct {
	opts   Options
	state  State
	client *xssh.Client
	sess   *xssh.Session
	stream shellStream

	expectPrompt   string
	promptFallback bool
}

func NewSession(opts Options) *Session {
	opts.applyDefaults()
	return &Session{opts: opts, state: StateNew}
}

func (s *Session) State() State         { return s.state }
func (s *Session) ExpectPrompt() string { return s.expectPrompt }

// PromptFallback reports whether detection gave up and the session is
// counting the literal "#".
func (s *Session) PromptFallback() bool { return s.promptFallback }

// SetExpectPrompt overrides the detected prompt, for callers that know
// the device better than the detector does.
func (s *Session) SetExpectPrompt(p string) { s.expectPrompt = p }

// Connect dials the device and completes transport negotiation and
// authentication. Key auth is primary when a key is supplied; a
// password, if also present, stays available as fallback. The local
// ssh-agent and on-disk keys are never consulted.
func (s *Session) Connect() error {
	if s.state != StateNew {
		return fmt.Errorf("connect from state %s", s.state)
	}
	s.state = StateConnecting

	auth, err := s.authMethods()
	if err != nil {
		return err
	}

	cfg := &xssh.ClientConfig{
		User:            s.opts.Username,
		Auth:            auth,
		HostKeyCallback: xssh.InsecureIgnoreHostKey(),
		Timeout:         s.opts.ConnectTimeout,
	}
	if s.opts.LegacyMode {
		cfg.KeyExchanges = legacyKex
		cfg.Ciphers = legacyCiphers
		cfg.HostKeyAlgorithms = legacyHostKeys
	} else {
		cfg.KeyExchanges = modernKex
		cfg.Ciphers = modernCiphers
		cfg.HostKeyAlgorithms = modernHostKeys
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	conn, err := net.DialTimeout("tcp", addr, s.opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	// Bound the handshake by the same deadline as the dial.
	if err := conn.SetDeadline(time.Now().Add(s.opts.ConnectTimeout)); err != nil {
		conn.Close()
		return err
	}
	sshConn, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	s.client = xssh.NewClient(sshConn, chans, reqs)
	s.state = StateAuthenticated
	zap.L().Debug("session authenticated",
		zap.String("host", s.opts.Host),
		zap.Bool("legacy", s.opts.LegacyMode))
	return nil
}

func (s *Session) authMethods() ([]xssh.AuthMethod, error) {
	var methods []xssh.AuthMethod
	if s.opts.KeyPEM != "" {
		var signer xssh.Signer
		var err error
		if s.opts.KeyPassphrase != "" {
			signer, err = xssh.ParsePrivateKeyWithPassphrase(
				[]byte(s.opts.KeyPEM), []byte(s.opts.KeyPassphrase))
		} else {
			signer, err = xssh.ParsePrivateKey([]byte(s.opts.KeyPEM))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, xssh.PublicKeys(signer))
	}
	if s.opts.Password != "" {
		pw := s.opts.Password
		methods = append(methods,
			xssh.Password(pw),
			xssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication material supplied")
	}
	return methods, nil
}

// OpenShell requests a pty-backed interactive shell, waits a settle
// interval, and drains the login banner.
func (s *Session) OpenShell() error {
	if s.state != StateAuthenticated {
		return fmt.Errorf("open shell from state %s", s.state)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("new channel: %w", err)
	}

	modes := xssh.TerminalModes{
		xssh.ECHO:          1,
		xssh.TTY_OP_ISPEED: 14400,
		xssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 500, 80, modes); err != nil {
		sess.Close()
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return err
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return fmt.Errorf("start shell: %w", err)
	}

	s.sess = sess
	s.stream = newSSHStream(stdin, stdout)
	s.state = StateShellOpen

	s.drain(s.opts.ShellTimeout)
	s.state = StateReady
	return nil
}

// drain discards pending output for up to the given window.
func (s *Session) drain(window time.Duration) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if _, err := s.stream.recv(100 * time.Millisecond); err != nil {
			if errors.Is(err, errNoData) {
				continue
			}
			return
		}
	}
}

const (
	promptAttempts   = 5
	promptWindow     = 3 * time.Second
	promptRetryLimit = 5 * time.Second
)

// FindPrompt triggers the device prompt with a newline and extracts it
// from the response, retrying a bounded number of times. When every
// attempt fails the session falls back to counting "#" and is flagged;
// an error is returned only when the stream dies mid-detection.
func (s *Session) FindPrompt() (string, error) {
	if s.state != StateReady {
		return "", fmt.Errorf("find prompt from state %s", s.state)
	}

	collect := func(window time.Duration) (string, error) {
		var buf strings.Builder
		deadline := time.Now().Add(window)
		for time.Now().Before(deadline) {
			chunk, err := s.stream.recv(100 * time.Millisecond)
			if err != nil {
				if errors.Is(err, errNoData) {
					// Quiet stream with data in hand: try early.
					if buf.Len() > 0 {
						if p := ExtractPrompt(buf.String()); p != "" {
							return p, nil
						}
					}
					continue
				}
				return "", fmt.Errorf("%w: %v", ErrPromptDetection, err)
			}
			buf.Write(ansi.Filter(chunk))
		}
		return ExtractPrompt(buf.String()), nil
	}

	if err := s.stream.send("\n"); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPromptDetection, err)
	}
	prompt, err := collect(promptWindow)
	if err != nil {
		return "", err
	}
	if prompt != "" {
		s.expectPrompt = prompt
		return prompt, nil
	}

	for i := 0; i < promptAttempts; i++ {
		if err := s.stream.send("\n"); err != nil {
			return "", fmt.Errorf("%w: %v", ErrPromptDetection, err)
		}
		prompt, err := collect(promptRetryLimit)
		if err != nil {
			return "", err
		}
		if prompt != "" {
			s.expectPrompt = prompt
			return prompt, nil
		}
	}

	zap.L().Warn("prompt detection exhausted, using fallback",
		zap.String("host", s.opts.Host))
	s.expectPrompt = defaultPrompt
	s.promptFallback = true
	return defaultPrompt, nil
}

// CountPrompts returns the number of prompt appearances a command
// string should elicit: one per comma-separated token, empty tokens
// included since each still transmits a newline.
func CountPrompts(command string) int {
	return len(strings.Split(command, ","))
}

// Execute transmits the comma-separated command string and reads the
// shell until the expected prompt has appeared promptCount times or the
// expect-prompt deadline expires. Empty tokens transmit a bare newline.
// The accumulated transcript is returned even on error so partial
// output can be inspected.
func (s *Session) Execute(command string, promptCount int) (string, error) {
	if s.state != StateReady {
		return "", fmt.Errorf("execute from state %s", s.state)
	}
	if s.expectPrompt == "" {
		return "", errors.New("execute before prompt detection")
	}
	if promptCount <= 0 {
		promptCount = CountPrompts(command)
	}
	s.state = StateExecuting
	defer func() { s.state = StateReady }()

	tokens := strings.Split(command, ",")
	for i, tok := range tokens {
		line := "\n"
		if strings.TrimSpace(tok) != "" {
			line = tok + "\n"
		}
		if err := s.stream.send(line); err != nil {
			return "", fmt.Errorf("send command: %w", err)
		}
		if i < len(tokens)-1 && s.opts.InterCommandTime > 0 {
			time.Sleep(s.opts.InterCommandTime)
		}
	}

	var buf strings.Builder
	found := 0
	deadline := time.Now().Add(s.opts.ExpectPromptTimeout)
	for found < promptCount {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf.String(), fmt.Errorf("%w: saw %d/%d prompts %q",
				ErrCommandTimeout, found, promptCount, s.expectPrompt)
		}
		window := 100 * time.Millisecond
		if remaining < window {
			window = remaining
		}
		chunk, err := s.stream.recv(window)
		if err != nil {
			if errors.Is(err, errNoData) {
				continue
			}
			return buf.String(), fmt.Errorf("shell channel: %w", err)
		}
		buf.Write(ansi.Filter(chunk))
		found = strings.Count(buf.String(), s.expectPrompt)
	}

	return buf.String(), nil
}

// Disconnect closes the shell and transport. Safe to call from any
// state, including repeatedly.
func (s *Session) Disconnect() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	var errs []error
	if s.stream != nil {
		if err := s.stream.close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if s.sess != nil {
		if err := s.sess.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
