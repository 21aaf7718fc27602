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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-diskvault/pkg/health"
	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/rotation"
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

func newTestServer(t *testing.T) (*Server, *rotation.Scheduler) {
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
		MountPoint:           "/",
		RemoteUnlockEligible: true,
	})
	require.NoError(t, err)

	sealer, err := keyvault.NewDefaultSealer(100000)
	require.NoError(t, err)
	vault, err := keyvault.New(reg, sealer, memory.New(), nil)
	require.NoError(t, err)
	_, err = vault.EnrollSlot(testDevice, 0, []byte("raw-key"), []byte("pass"), types.PurposePrimary, "alice")
	require.NoError(t, err)

	engine, err := unlock.New(reg, vault, noopMapper{}, noopMounter{}, false, nil)
	require.NoError(t, err)

	escrow := rotation.NewStorageEscrow(memory.New(), sealer, []byte("machine-credential"))
	require.NoError(t, escrow.Store(testDevice, []byte("pass")))

	sched, err := rotation.New(reg, vault, engine, nil, escrow, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, sched.SetPolicy(testDevice, types.RotationPolicy{
		RotationIntervalDays: 90,
		DualApprovalRequired: true,
	}))

	checker := health.NewChecker()
	checker.RegisterCheck("storage", func(ctx context.Context) health.CheckResult {
		return health.Healthy("backend reachable")
	})

	return New("127.0.0.1:0", reg, sched, checker, nil), sched
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusHealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "storage", report.Checks[0].Name)
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []VolumeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, testDevice, rows[0].Device)
	assert.Equal(t, types.StateLocked, rows[0].State)
	assert.True(t, rows[0].Remote)
	// No key material in the response
	assert.NotContains(t, rec.Body.String(), "raw-key")
}

func TestPendingAndApprove(t *testing.T) {
	s, sched := newTestServer(t)

	req, err := sched.RotateNow(context.Background(), testDevice, 0, "alice")
	require.ErrorIs(t, err, rotation.ErrApprovalRequired)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/rotations/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var pending []rotation.PendingRotation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)
	assert.True(t, pending[0].NeedsApproval)

	// Self-approval is refused
	rec = doRequest(t, s, http.MethodPost, "/api/v1/rotations/"+req.ID+"/approve", `{"approver":"alice"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/rotations/"+req.ID+"/approve", `{"approver":"bob"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Approving twice conflicts
	rec = doRequest(t, s, http.MethodPost, "/api/v1/rotations/"+req.ID+"/approve", `{"approver":"carol"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprove_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/rotations/no-such-id/approve", `{"approver":"bob"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/rotations/any/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
