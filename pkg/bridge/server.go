// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package bridge runs the pre-boot remote unlock service. It accepts one
// SSH session at a time from allow-listed public keys, presents the volumes
// eligible for remote unlock, and relays passphrase attempts to the unlock
// engine without ever persisting the passphrase. Failure responses are
// deliberately generic so a remote caller cannot distinguish a wrong
// passphrase from a missing device.
//
// The bridge runs before the root filesystem is writable, so all audit
// events go to a pre-boot buffer that is flushed to durable storage right
// after the first successful unlock.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/jeremyhahn/go-diskvault/pkg/audit"
	"github.com/jeremyhahn/go-diskvault/pkg/logging"
	"github.com/jeremyhahn/go-diskvault/pkg/metrics"
	"github.com/jeremyhahn/go-diskvault/pkg/ratelimit"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
	"github.com/jeremyhahn/go-diskvault/pkg/unlock"
)

const (
	// MaxAttempts is the per-session passphrase attempt limit.
	MaxAttempts = 3

	// SessionTimeout bounds a session's total lifetime.
	SessionTimeout = 300 * time.Second

	// failureMessage is the only error text shown to remote callers.
	failureMessage = "unlock failed"

	busyMessage = "busy"
)

// connInterval is the sustained time between connection attempts allowed
// per source address.
const connInterval = 10 * time.Second

// Config holds the bridge server settings.
type Config struct {
	// ListenAddr is the TCP listen address, e.g. ":2222".
	ListenAddr string `yaml:"listen" json:"listen"`

	// HostKeyPEM is the PEM-encoded SSH host private key.
	HostKeyPEM []byte `yaml:"-" json:"-"`

	// AuthorizedKeys is the public key allow-list.
	AuthorizedKeys []KeyEntry `yaml:"authorized_keys" json:"authorized_keys"`

	// SessionTimeout overrides the default session lifetime bound.
	SessionTimeout time.Duration `yaml:"session_timeout" json:"session_timeout"`
}

// Server is the remote unlock bridge.
type Server struct {
	registry *registry.Registry
	engine   *unlock.Engine
	auth     *Authorizer
	buffer   *audit.PrebootBuffer
	logger   *logging.Logger

	sshConfig *ssh.ServerConfig
	timeout   time.Duration

	// durable, when it returns a non-nil adapter, receives the pre-boot
	// buffer after the first successful unlock.
	durable func() audit.Adapter

	limiter *ratelimit.Limiter

	mu      sync.Mutex
	active  bool
	history []types.RemoteUnlockSession
}

// New creates a bridge server.
func New(cfg *Config, reg *registry.Registry, engine *unlock.Engine,
	buffer *audit.PrebootBuffer, durable func() audit.Adapter,
	logger *logging.Logger) (*Server, error) {

	if reg == nil || engine == nil || buffer == nil {
		return nil, fmt.Errorf("bridge: registry, engine and audit buffer are required")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	auth, err := NewAuthorizer(cfg.AuthorizedKeys)
	if err != nil {
		return nil, err
	}
	if auth.Len() == 0 {
		return nil, fmt.Errorf("bridge: at least one authorized key is required")
	}

	signer, err := ssh.ParsePrivateKey(cfg.HostKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to parse host key: %w", err)
	}

	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = SessionTimeout
	}

	s := &Server{
		registry: reg,
		engine:   engine,
		auth:     auth,
		buffer:   buffer,
		durable:  durable,
		logger:   logger,
		timeout:  timeout,
		limiter: ratelimit.New(&ratelimit.Config{
			Interval: connInterval,
			Burst:    MaxAttempts,
		}),
	}

	s.sshConfig = &ssh.ServerConfig{
		PublicKeyCallback: s.authenticate,
		MaxAuthTries:      MaxAttempts,
	}
	s.sshConfig.AddHostKey(signer)
	return s, nil
}

// authenticate is the SSH public key callback. Rejections carry no detail;
// the audit trail records the real reason.
func (s *Server) authenticate(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	source := remoteIP(conn.RemoteAddr())
	name, scope, err := s.auth.Authorize(key, source)
	if err != nil {
		metrics.BridgeAuthFailuresTotal.Inc()
		s.audit(&audit.Event{
			Type:           audit.EventBridgeAuthFailure,
			Outcome:        audit.OutcomeDenied,
			Source:         source.String(),
			KeyFingerprint: ssh.FingerprintSHA256(key),
			Detail:         err.Error(),
		})
		return nil, fmt.Errorf("permission denied")
	}

	s.audit(&audit.Event{
		Type:           audit.EventBridgeAuthSuccess,
		Outcome:        audit.OutcomeSuccess,
		Actor:          name,
		Source:         source.String(),
		KeyFingerprint: ssh.FingerprintSHA256(key),
	})
	return &ssh.Permissions{
		Extensions: map[string]string{
			"key-holder": name,
			"key-scope":  string(scope),
		},
	}, nil
}

// Serve accepts connections until the context is cancelled or the listener
// closes.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("remote unlock bridge listening", "addr", listener.Addr().String())
	defer s.limiter.Stop()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: accept failed: %w", err)
		}

		if !s.limiter.AllowAddr(conn.RemoteAddr()) {
			s.logger.Warn("connection rate limited", "source", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()
	raw.SetDeadline(time.Now().Add(s.timeout))

	sshConn, channels, requests, err := ssh.NewServerConn(raw, s.sshConfig)
	if err != nil {
		s.logger.Debug("handshake failed", "source", raw.RemoteAddr().String(), "error", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(requests)

	// One session at a time; concurrent callers get a generic busy reply.
	if !s.acquire() {
		s.logger.Warn("session rejected, another session active",
			"source", sshConn.RemoteAddr().String())
		metrics.RecordBridgeSession("busy")
		for newChannel := range channels {
			newChannel.Reject(ssh.ResourceShortage, busyMessage)
		}
		return
	}
	defer s.release()

	session := types.RemoteUnlockSession{
		ID:         uuid.NewString(),
		Started:    time.Now(),
		Source:     sshConn.RemoteAddr().String(),
		AuthMethod: "publickey",
	}
	holder := sshConn.Permissions.Extensions["key-holder"]

	s.audit(&audit.Event{
		Type:      audit.EventBridgeSessionStart,
		Outcome:   audit.OutcomeSuccess,
		Actor:     holder,
		Source:    session.Source,
		SessionID: session.ID,
	})

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, chRequests, err := newChannel.Accept()
		if err != nil {
			break
		}
		go acceptShellRequests(chRequests)
		s.runSession(ctx, channel, holder, &session)
		channel.Close()
		break
	}

	s.finish(&session)
}

// acceptShellRequests accepts shell and pty requests so standard SSH
// clients can drive the unlock prompt.
func acceptShellRequests(in <-chan *ssh.Request) {
	for req := range in {
		switch req.Type {
		case "shell", "pty-req":
			req.Reply(true, nil)
		default:
			req.Reply(false, nil)
		}
	}
}

// runSession drives the interactive unlock dialogue: list the eligible
// volumes, then accept up to MaxAttempts device/passphrase pairs.
func (s *Server) runSession(ctx context.Context, channel ssh.Channel, holder string, session *types.RemoteUnlockSession) {
	reader := bufio.NewReader(channel)

	eligible := s.eligibleVolumes()
	if len(eligible) == 0 {
		fmt.Fprintln(channel, "no volumes awaiting unlock")
		session.Outcome = types.OutcomeFailure
		return
	}

	fmt.Fprintln(channel, "volumes awaiting unlock:")
	for _, vol := range eligible {
		fmt.Fprintf(channel, "  %s (%s)\n", vol.Device, vol.Name)
	}

	for session.Attempts < MaxAttempts {
		fmt.Fprint(channel, "device: ")
		device, err := readLine(reader)
		if err != nil {
			// Disconnect mid-dialogue leaves every volume locked.
			session.Outcome = types.OutcomeTimeout
			return
		}
		fmt.Fprint(channel, "passphrase: ")
		passphrase, err := readLine(reader)
		if err != nil {
			session.Outcome = types.OutcomeTimeout
			return
		}

		session.Attempts++
		err = s.attemptUnlock(device, []byte(passphrase), holder, session)
		if err == nil {
			fmt.Fprintln(channel, "unlocked")
			session.Outcome = types.OutcomeSuccess
			s.flushAudit(ctx)
			return
		}
		fmt.Fprintln(channel, failureMessage)
	}

	session.Outcome = types.OutcomeFailure
	s.audit(&audit.Event{
		Type:      audit.EventBridgeSessionEnd,
		Outcome:   audit.OutcomeDenied,
		Actor:     holder,
		Source:    session.Source,
		SessionID: session.ID,
		Detail:    ErrTooManyAttempts.Error(),
	})
}

// attemptUnlock relays one passphrase attempt to the unlock engine. Every
// attempt is audited with its true reason; the caller sees only a generic
// failure.
func (s *Server) attemptUnlock(device string, passphrase []byte, holder string, session *types.RemoteUnlockSession) error {
	defer zeroBytes(passphrase)

	outcome := audit.OutcomeSuccess
	detail := ""

	err := s.unlockEligible(device, passphrase)
	if err != nil {
		outcome = audit.OutcomeFailure
		detail = err.Error()
	}

	s.audit(&audit.Event{
		Type:      audit.EventBridgeAttempt,
		Outcome:   outcome,
		Device:    device,
		Actor:     holder,
		Source:    session.Source,
		SessionID: session.ID,
		Detail:    detail,
	})
	return err
}

func (s *Server) unlockEligible(device string, passphrase []byte) error {
	vol, err := s.registry.Lookup(device)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return unlock.ErrDeviceNotFound
		}
		return err
	}
	if !vol.RemoteUnlockEligible {
		return ErrNotEligible
	}
	return s.engine.Unlock(device, passphrase)
}

func (s *Server) eligibleVolumes() []types.EncryptedVolume {
	var out []types.EncryptedVolume
	for _, vol := range s.registry.List() {
		if vol.RemoteUnlockEligible && vol.State == types.StateLocked {
			out = append(out, vol)
		}
	}
	return out
}

// flushAudit moves the pre-boot buffer to durable storage once a volume is
// open. Failure keeps events buffered for the next successful unlock.
func (s *Server) flushAudit(ctx context.Context) {
	if s.durable == nil {
		return
	}
	adapter := s.durable()
	if adapter == nil {
		return
	}
	if err := s.buffer.Flush(ctx, adapter); err != nil {
		s.logger.Warnf("pre-boot audit flush failed, events retained: %v", err)
	}
}

func (s *Server) finish(session *types.RemoteUnlockSession) {
	if session.Outcome == "" {
		session.Outcome = types.OutcomeFailure
	}
	metrics.RecordBridgeSession(string(session.Outcome))

	s.audit(&audit.Event{
		Type:      audit.EventBridgeSessionEnd,
		Outcome:   audit.OutcomeSuccess,
		Source:    session.Source,
		SessionID: session.ID,
		Detail:    fmt.Sprintf("outcome=%s attempts=%d", session.Outcome, session.Attempts),
	})

	s.mu.Lock()
	s.history = append(s.history, *session)
	s.mu.Unlock()

	s.logger.Info("bridge session ended",
		"session_id", session.ID,
		"source", session.Source,
		"outcome", session.Outcome,
		"attempts", session.Attempts)
}

// Sessions returns the completed session records, oldest first.
func (s *Server) Sessions() []types.RemoteUnlockSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.RemoteUnlockSession, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *Server) audit(event *audit.Event) {
	if event.Slot == 0 {
		event.Slot = -1
	}
	if err := s.buffer.LogEvent(context.Background(), event); err != nil {
		s.logger.Warnf("audit write failed: %v", err)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func remoteIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.IPv4zero
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
