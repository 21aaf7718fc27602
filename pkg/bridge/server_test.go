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

package bridge

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/jeremyhahn/go-diskvault/pkg/audit"
	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/storage/memory"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
	"github.com/jeremyhahn/go-diskvault/pkg/unlock"
)

const testDevice = "/dev/sda2"

type noopMapper struct{}

func (noopMapper) Open(device, mapperName string, key []byte) error { return nil }
func (noopMapper) Close(mapperName string) error                    { return nil }
func (noopMapper) Status(mapperName string) (bool, error)           { return false, nil }

type noopMounter struct{}

func (noopMounter) Mount(mapperName, mountPoint string) error   { return nil }
func (noopMounter) Unmount(mountPoint string, force bool) error { return nil }

// fakeChannel scripts one side of an SSH session dialogue.
type fakeChannel struct {
	in  io.Reader
	out bytes.Buffer
}

func newFakeChannel(input string) *fakeChannel {
	return &fakeChannel{in: strings.NewReader(input)}
}

func (c *fakeChannel) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *fakeChannel) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *fakeChannel) Close() error                { return nil }
func (c *fakeChannel) CloseWrite() error           { return nil }
func (c *fakeChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	return false, nil
}
func (c *fakeChannel) Stderr() io.ReadWriter { return &bytes.Buffer{} }

func hostKeyPEM(t *testing.T) []byte {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}

func newTestBridge(t *testing.T) (*Server, *registry.Registry, *audit.MemoryAudit) {
	t.Helper()

	reg := registry.New()
	_, err := reg.Register(types.EncryptedVolume{
		Device: testDevice,
		Name:   "root",
		Cipher: types.CipherSpec{
			Algorithm:     "aes-xts-plain64",
			KeySize:       512,
			Hash:          "sha256",
			KDFIterations: 600000,
		},
		MapperName:           "dv-root",
		MountPoint:           "/mnt/root",
		RemoteUnlockEligible: true,
	})
	require.NoError(t, err)

	sealer, err := keyvault.NewDefaultSealer(100000)
	require.NoError(t, err)
	vault, err := keyvault.New(reg, sealer, memory.New(), nil)
	require.NoError(t, err)
	_, err = vault.EnrollSlot(testDevice, 0, []byte("raw-key"), []byte("hunter2"), types.PurposePrimary, "alice")
	require.NoError(t, err)

	engine, err := unlock.New(reg, vault, noopMapper{}, noopMounter{}, false, nil)
	require.NoError(t, err)

	durable := audit.NewMemoryAudit(128)
	_, line := generateKey(t)

	srv, err := New(&Config{
		HostKeyPEM:     hostKeyPEM(t),
		AuthorizedKeys: []KeyEntry{{Name: "ops-alice", PublicKey: line, Scope: ScopeUnlock}},
	}, reg, engine, audit.NewPrebootBuffer(),
		func() audit.Adapter { return durable }, nil)
	require.NoError(t, err)

	return srv, reg, durable
}

func newSession() *types.RemoteUnlockSession {
	return &types.RemoteUnlockSession{
		ID:         "session-1",
		Source:     "203.0.113.7:50000",
		AuthMethod: "publickey",
	}
}

func TestRunSession_UnlockFlushesAudit(t *testing.T) {
	srv, reg, durable := newTestBridge(t)

	channel := newFakeChannel(testDevice + "\nhunter2\n")
	session := newSession()
	srv.runSession(context.Background(), channel, "ops-alice", session)

	assert.Equal(t, types.OutcomeSuccess, session.Outcome)
	assert.Equal(t, 1, session.Attempts)
	assert.Contains(t, channel.out.String(), testDevice)
	assert.Contains(t, channel.out.String(), "unlocked")

	state, err := reg.State(testDevice)
	require.NoError(t, err)
	assert.Equal(t, types.StateUnlocked, state)

	// The buffered attempt reached durable storage.
	events, err := durable.Events(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, audit.EventBridgeAttempt, last.Type)
	assert.Equal(t, audit.OutcomeSuccess, last.Outcome)
	assert.Equal(t, "ops-alice", last.Actor)
}

func TestRunSession_AttemptLimit(t *testing.T) {
	srv, reg, _ := newTestBridge(t)

	input := strings.Repeat(testDevice+"\nwrong-pass\n", MaxAttempts)
	channel := newFakeChannel(input)
	session := newSession()
	srv.runSession(context.Background(), channel, "ops-alice", session)

	assert.Equal(t, types.OutcomeFailure, session.Outcome)
	assert.Equal(t, MaxAttempts, session.Attempts)
	assert.Equal(t, MaxAttempts, strings.Count(channel.out.String(), failureMessage))
	// The caller never sees why the attempt failed.
	assert.NotContains(t, channel.out.String(), "passphrase is incorrect")

	state, err := reg.State(testDevice)
	require.NoError(t, err)
	assert.Equal(t, types.StateLocked, state)
}

func TestRunSession_DisconnectLeavesLocked(t *testing.T) {
	srv, reg, _ := newTestBridge(t)

	channel := newFakeChannel(testDevice + "\n")
	session := newSession()
	srv.runSession(context.Background(), channel, "ops-alice", session)

	assert.Equal(t, types.OutcomeTimeout, session.Outcome)

	state, err := reg.State(testDevice)
	require.NoError(t, err)
	assert.Equal(t, types.StateLocked, state)
}

func TestRunSession_NoEligibleVolumes(t *testing.T) {
	srv, reg, _ := newTestBridge(t)
	require.NoError(t, reg.SetState(testDevice, types.StateUnlocked))

	channel := newFakeChannel("")
	session := newSession()
	srv.runSession(context.Background(), channel, "ops-alice", session)

	assert.Equal(t, types.OutcomeFailure, session.Outcome)
	assert.Contains(t, channel.out.String(), "no volumes awaiting unlock")
}

func TestUnlockEligible(t *testing.T) {
	srv, reg, _ := newTestBridge(t)

	err := srv.unlockEligible("/dev/nope", []byte("hunter2"))
	assert.ErrorIs(t, err, unlock.ErrDeviceNotFound)

	require.NoError(t, reg.SetFlags(testDevice, false, false))
	err = srv.unlockEligible(testDevice, []byte("hunter2"))
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestAcquireRelease(t *testing.T) {
	srv, _, _ := newTestBridge(t)

	require.True(t, srv.acquire())
	assert.False(t, srv.acquire())
	srv.release()
	assert.True(t, srv.acquire())
}

func TestNew_Validation(t *testing.T) {
	reg := registry.New()
	sealer, err := keyvault.NewDefaultSealer(100000)
	require.NoError(t, err)
	vault, err := keyvault.New(reg, sealer, memory.New(), nil)
	require.NoError(t, err)
	engine, err := unlock.New(reg, vault, noopMapper{}, noopMounter{}, false, nil)
	require.NoError(t, err)

	_, line := generateKey(t)
	entries := []KeyEntry{{Name: "ops-alice", PublicKey: line}}

	_, err = New(&Config{HostKeyPEM: hostKeyPEM(t)}, reg, engine,
		audit.NewPrebootBuffer(), nil, nil)
	assert.Error(t, err, "no authorized keys")

	_, err = New(&Config{HostKeyPEM: []byte("not a key"), AuthorizedKeys: entries},
		reg, engine, audit.NewPrebootBuffer(), nil, nil)
	assert.Error(t, err, "bad host key")

	_, err = New(&Config{HostKeyPEM: hostKeyPEM(t), AuthorizedKeys: entries},
		nil, engine, audit.NewPrebootBuffer(), nil, nil)
	assert.Error(t, err, "nil registry")
}
