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

// Package rotation schedules and executes key slot rotations. The scheduler
// evaluates per-volume policy on a fixed cadence, queues due rotations for
// the next maintenance window, and executes each rotation in the strict
// order backup, add, verify, remove so that a failure at any step leaves at
// least one working key slot.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-diskvault/pkg/audit"
	"github.com/jeremyhahn/go-diskvault/pkg/headerbackup"
	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
	"github.com/jeremyhahn/go-diskvault/pkg/logging"
	"github.com/jeremyhahn/go-diskvault/pkg/metrics"
	"github.com/jeremyhahn/go-diskvault/pkg/notify"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
	"github.com/jeremyhahn/go-diskvault/pkg/unlock"
)

const (
	// DefaultEvalInterval is how often policy is evaluated.
	DefaultEvalInterval = 15 * time.Minute

	// DefaultWindowHour is the UTC hour the daily maintenance window opens.
	DefaultWindowHour = 3

	// DefaultWindowDuration is how long the maintenance window stays open.
	DefaultWindowDuration = 2 * time.Hour
)

// Rotation reasons recorded on pending requests.
const (
	ReasonInterval = "interval"
	ReasonMaxAge   = "max-age"
	ReasonManual   = "manual"
)

// Clock abstracts time for deterministic scheduling tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Window is the recurring daily maintenance window during which scheduled
// rotations may execute.
type Window struct {
	// Hour is the UTC hour the window opens.
	Hour int

	// Duration is how long the window stays open.
	Duration time.Duration
}

// nextOpen returns the first window opening strictly after now.
func (w Window) nextOpen(now time.Time) time.Time {
	open := time.Date(now.Year(), now.Month(), now.Day(), w.Hour, 0, 0, 0, time.UTC)
	if !open.After(now) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

// contains reports whether now falls inside the window opening at open.
func (w Window) contains(open, now time.Time) bool {
	return !now.Before(open) && now.Before(open.Add(w.Duration))
}

// PendingRotation is a rotation that has been queued but not yet executed.
type PendingRotation struct {
	// ID identifies the request for approval and status APIs.
	ID string `json:"id"`

	// Device is the volume whose key rotates.
	Device string `json:"device"`

	// Slot is the key slot being rotated out.
	Slot int `json:"slot"`

	// Reason records why the rotation was queued.
	Reason string `json:"reason"`

	// RequestedBy is the initiator, "scheduler" for policy-driven requests.
	RequestedBy string `json:"requested_by"`

	// Requested is when the rotation was queued.
	Requested time.Time `json:"requested"`

	// NotBefore is the earliest the rotation may execute, normally the
	// next maintenance window opening.
	NotBefore time.Time `json:"not_before"`

	// NeedsApproval reports whether dual approval gates execution.
	NeedsApproval bool `json:"needs_approval"`

	// ApprovedBy is the second operator, empty until approved.
	ApprovedBy string `json:"approved_by,omitempty"`
}

func (p *PendingRotation) approved() bool {
	return !p.NeedsApproval || p.ApprovedBy != ""
}

// Scheduler evaluates rotation policy and executes due rotations.
type Scheduler struct {
	registry *registry.Registry
	vault    *keyvault.Vault
	engine   *unlock.Engine
	backups  *headerbackup.Manager
	escrow   Escrow
	notifier notify.Notifier
	auditor  audit.Adapter
	logger   *logging.Logger
	clock    Clock

	evalInterval  time.Duration
	window        Window
	defaultPolicy types.RotationPolicy

	mu       sync.Mutex
	policies map[string]types.RotationPolicy
	pending  map[string]*PendingRotation
	warned   map[string]bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithEvalInterval overrides the policy evaluation cadence.
func WithEvalInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.evalInterval = d
		}
	}
}

// WithWindow overrides the maintenance window.
func WithWindow(w Window) Option {
	return func(s *Scheduler) { s.window = w }
}

// WithDefaultPolicy overrides the policy applied to volumes without one.
func WithDefaultPolicy(p types.RotationPolicy) Option {
	return func(s *Scheduler) { s.defaultPolicy = p }
}

// New creates a rotation scheduler.
func New(reg *registry.Registry, vault *keyvault.Vault, engine *unlock.Engine,
	backups *headerbackup.Manager, escrow Escrow, notifier notify.Notifier,
	auditor audit.Adapter, logger *logging.Logger, opts ...Option) (*Scheduler, error) {

	if reg == nil || vault == nil || engine == nil {
		return nil, fmt.Errorf("rotation: registry, vault and engine are required")
	}
	if escrow == nil {
		return nil, fmt.Errorf("rotation: passphrase escrow is required")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	s := &Scheduler{
		registry:     reg,
		vault:        vault,
		engine:       engine,
		backups:      backups,
		escrow:       escrow,
		notifier:     notifier,
		auditor:      auditor,
		logger:       logger,
		clock:        systemClock{},
		evalInterval: DefaultEvalInterval,
		window:       Window{Hour: DefaultWindowHour, Duration: DefaultWindowDuration},
		defaultPolicy: types.RotationPolicy{
			RotationIntervalDays: 90,
			WarningLeadDays:      7,
			MaxKeyAgeDays:        120,
			BackupBeforeRotate:   true,
			NotifyOnRotation:     true,
		},
		policies: make(map[string]types.RotationPolicy),
		pending:  make(map[string]*PendingRotation),
		warned:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ValidatePolicy rejects policies that can never be satisfied.
func ValidatePolicy(p types.RotationPolicy) error {
	if p.RotationIntervalDays <= 0 {
		return fmt.Errorf("%w: rotation interval must be positive", ErrInvalidPolicy)
	}
	if p.WarningLeadDays < 0 {
		return fmt.Errorf("%w: warning lead cannot be negative", ErrInvalidPolicy)
	}
	if p.MaxKeyAgeDays > 0 && p.MaxKeyAgeDays <= p.RotationIntervalDays {
		return fmt.Errorf("%w: max key age must exceed the rotation interval", ErrInvalidPolicy)
	}
	return nil
}

// SetPolicy assigns a rotation policy to a volume.
func (s *Scheduler) SetPolicy(device string, p types.RotationPolicy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	if _, err := s.registry.Lookup(device); err != nil {
		return err
	}
	s.mu.Lock()
	s.policies[device] = p
	s.mu.Unlock()
	return nil
}

// Policy returns the effective policy for a device.
func (s *Scheduler) Policy(device string) types.RotationPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[device]; ok {
		return p
	}
	return s.defaultPolicy
}

// Run evaluates policy on the configured cadence until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("rotation scheduler started",
		"interval", s.evalInterval,
		"window_hour_utc", s.window.Hour)

	ticker := time.NewTicker(s.evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rotation scheduler stopped")
			return
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

// Evaluate performs one scheduling pass: emit warnings for slots nearing
// rotation, queue newly due slots for the next maintenance window, and
// execute queued rotations whose window is open and whose approvals are in
// place.
func (s *Scheduler) Evaluate(ctx context.Context) {
	now := s.clock.Now()

	for _, vol := range s.registry.List() {
		policy := s.Policy(vol.Device)
		slots, err := s.vault.Slots(vol.Device)
		if err != nil {
			s.logger.Warnf("rotation evaluation skipped for %s: %v", vol.Device, err)
			continue
		}
		for _, slot := range slots {
			s.evaluateSlot(ctx, vol.Device, slot, policy, now)
		}
	}

	s.executeDue(ctx, now)
}

func (s *Scheduler) evaluateSlot(ctx context.Context, device string, slot *types.KeySlot, policy types.RotationPolicy, now time.Time) {
	ageDays := int(now.Sub(slot.Created).Hours() / 24)
	dueIn := policy.RotationIntervalDays - ageDays

	if dueIn > 0 && dueIn <= policy.WarningLeadDays {
		s.warnOnce(ctx, device, slot.Slot, dueIn)
		return
	}
	if dueIn > 0 {
		return
	}

	reason := ReasonInterval
	if policy.MaxKeyAgeDays > 0 && ageDays >= policy.MaxKeyAgeDays {
		reason = ReasonMaxAge
	}
	s.queue(ctx, device, slot, policy, reason, "scheduler", now)
}

// warnOnce emits a single rotation warning per slot per due cycle.
func (s *Scheduler) warnOnce(ctx context.Context, device string, slot, dueInDays int) {
	key := fmt.Sprintf("%s:%d", device, slot)
	s.mu.Lock()
	if s.warned[key] {
		s.mu.Unlock()
		return
	}
	s.warned[key] = true
	s.mu.Unlock()

	s.logger.Info("key slot approaching rotation",
		"device", device,
		"slot", slot,
		"due_in_days", dueInDays)
	s.emit(ctx, notify.KindRotationWarning, device, slot, "scheduler")
}

// queue records a pending rotation for the slot unless one already exists.
func (s *Scheduler) queue(ctx context.Context, device string, slot *types.KeySlot, policy types.RotationPolicy, reason, requestedBy string, now time.Time) *PendingRotation {
	s.mu.Lock()
	for _, p := range s.pending {
		if p.Device == device && p.Slot == slot.Slot {
			s.mu.Unlock()
			return p
		}
	}

	req := &PendingRotation{
		ID:            uuid.NewString(),
		Device:        device,
		Slot:          slot.Slot,
		Reason:        reason,
		RequestedBy:   requestedBy,
		Requested:     now,
		NotBefore:     s.window.nextOpen(now),
		NeedsApproval: policy.DualApprovalRequired,
	}
	if reason == ReasonMaxAge || reason == ReasonManual {
		// Past the hard age limit or operator-initiated; do not wait for
		// the next window.
		req.NotBefore = now
	}
	s.pending[req.ID] = req
	metrics.RotationsPending.Set(float64(s.countUnapproved()))
	s.mu.Unlock()

	if err := s.vault.ScheduleRotation(device, slot.Slot, &req.NotBefore); err != nil {
		s.logger.Warnf("failed to record scheduled rotation on %s slot %d: %v", device, slot.Slot, err)
	}

	s.logger.Info("rotation queued",
		"device", device,
		"slot", slot.Slot,
		"reason", reason,
		"not_before", req.NotBefore,
		"needs_approval", req.NeedsApproval)

	if req.NeedsApproval {
		s.emit(ctx, notify.KindRotationPending, device, slot.Slot, requestedBy)
	} else {
		s.emit(ctx, notify.KindRotationScheduled, device, slot.Slot, requestedBy)
	}
	return req
}

// executeDue runs every approved pending rotation whose window is open.
// Requests whose window has already closed are rolled to the next opening.
func (s *Scheduler) executeDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*PendingRotation
	for _, req := range s.pending {
		if !req.approved() || now.Before(req.NotBefore) {
			continue
		}
		if req.Reason == ReasonInterval && !s.window.contains(req.NotBefore, now) {
			req.NotBefore = s.window.nextOpen(now)
			continue
		}
		due = append(due, req)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Requested.Before(due[j].Requested) })

	for _, req := range due {
		if err := s.execute(ctx, req); err != nil {
			if errors.Is(err, registry.ErrBusy) {
				// Unlock, lock or restore activity holds the volume; the
				// request stays queued for the next pass.
				s.logger.Debug("rotation deferred, volume busy", "device", req.Device)
			} else {
				s.logger.Errorf("rotation failed for %s slot %d: %v", req.Device, req.Slot, err)
			}
			continue
		}
		s.mu.Lock()
		delete(s.pending, req.ID)
		delete(s.warned, fmt.Sprintf("%s:%d", req.Device, req.Slot))
		metrics.RotationsPending.Set(float64(s.countUnapproved()))
		s.mu.Unlock()
	}
}

// Approve records the second operator's approval on a pending rotation.
func (s *Scheduler) Approve(requestID, approver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending[requestID]
	if !ok {
		return ErrRotationNotFound
	}
	if !req.NeedsApproval {
		return ErrAlreadyApproved
	}
	if req.ApprovedBy != "" {
		return ErrAlreadyApproved
	}
	if approver == "" || approver == req.RequestedBy {
		return ErrSelfApproval
	}
	req.ApprovedBy = approver
	metrics.RotationsPending.Set(float64(s.countUnapproved()))
	s.logger.Info("rotation approved",
		"request_id", requestID,
		"device", req.Device,
		"approver", approver)
	return nil
}

// Pending returns queued rotations ordered by request time.
func (s *Scheduler) Pending() []*PendingRotation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*PendingRotation, 0, len(s.pending))
	for _, req := range s.pending {
		c := *req
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requested.Before(out[j].Requested) })
	return out
}

// RotateNow executes an operator-initiated rotation of the given slot
// immediately, subject to the volume's dual-approval policy. When approval
// is required the rotation is queued instead and its request ID returned.
func (s *Scheduler) RotateNow(ctx context.Context, device string, slotNumber int, actor string) (*PendingRotation, error) {
	slot, err := s.vault.LoadSlot(device, slotNumber)
	if err != nil {
		return nil, err
	}
	policy := s.Policy(device)
	req := s.queue(ctx, device, slot, policy, ReasonManual, actor, s.clock.Now())
	if !req.approved() {
		return req, ErrApprovalRequired
	}

	if err := s.execute(ctx, req); err != nil {
		return req, err
	}
	s.mu.Lock()
	delete(s.pending, req.ID)
	delete(s.warned, fmt.Sprintf("%s:%d", device, slotNumber))
	metrics.RotationsPending.Set(float64(s.countUnapproved()))
	s.mu.Unlock()
	return req, nil
}

// execute performs one rotation in the mandatory order: header backup, add
// the replacement slot, verify the replacement unseals, then remove the old
// slot. A failure after the add removes the replacement so the volume never
// loses its last verified slot.
func (s *Scheduler) execute(ctx context.Context, req *PendingRotation) error {
	// Serialize against unlock, lock and restore activity on the volume.
	release, err := s.registry.TryLock(req.Device)
	if err != nil {
		return err
	}
	defer release()

	policy := s.Policy(req.Device)

	if policy.BackupBeforeRotate {
		if s.backups == nil {
			metrics.RecordRotation(req.Device, metrics.StatusError)
			return fmt.Errorf("rotation: policy requires a header backup but no backup manager is configured")
		}
		if _, err := s.backups.Backup(req.Device); err != nil {
			metrics.RecordRotation(req.Device, metrics.StatusError)
			return fmt.Errorf("rotation: pre-rotation header backup failed: %w", err)
		}
	}

	oldPass, err := s.escrow.Passphrase(req.Device)
	if err != nil {
		metrics.RecordRotation(req.Device, metrics.StatusError)
		return err
	}
	defer zero(oldPass)

	rawKey, err := s.vault.UnsealSlot(req.Device, req.Slot, oldPass)
	if err != nil {
		metrics.RecordRotation(req.Device, metrics.StatusError)
		return fmt.Errorf("rotation: failed to unseal slot %d: %w", req.Slot, err)
	}
	defer zero(rawKey)

	newPass, err := GeneratePassphrase()
	if err != nil {
		metrics.RecordRotation(req.Device, metrics.StatusError)
		return err
	}
	defer zero(newPass)

	newSlot, err := s.vault.NextFreeSlot(req.Device)
	if err != nil {
		metrics.RecordRotation(req.Device, metrics.StatusError)
		return err
	}
	if _, err := s.vault.EnrollSlot(req.Device, newSlot, rawKey, newPass, types.PurposeRotated, req.RequestedBy); err != nil {
		metrics.RecordRotation(req.Device, metrics.StatusError)
		return fmt.Errorf("rotation: failed to enroll replacement slot: %w", err)
	}

	// Verify the replacement before anything is removed.
	if _, err := s.engine.VerifyPassphrase(req.Device, newPass); err != nil {
		if rmErr := s.vault.RemoveSlot(req.Device, newSlot); rmErr != nil {
			s.logger.Errorf("failed to remove unverified slot %d on %s: %v", newSlot, req.Device, rmErr)
		}
		metrics.RecordRotation(req.Device, metrics.StatusError)
		return fmt.Errorf("rotation: replacement slot failed verification: %w", err)
	}

	if err := s.escrow.Store(req.Device, newPass); err != nil {
		if rmErr := s.vault.RemoveSlot(req.Device, newSlot); rmErr != nil {
			s.logger.Errorf("failed to remove unescrowed slot %d on %s: %v", newSlot, req.Device, rmErr)
		}
		metrics.RecordRotation(req.Device, metrics.StatusError)
		return fmt.Errorf("rotation: failed to escrow replacement passphrase: %w", err)
	}

	if err := s.vault.RemoveSlot(req.Device, req.Slot); err != nil {
		metrics.RecordRotation(req.Device, metrics.StatusError)
		return fmt.Errorf("rotation: failed to remove rotated slot: %w", err)
	}

	metrics.RecordRotation(req.Device, metrics.StatusSuccess)
	s.logger.Info("key slot rotated",
		"device", req.Device,
		"old_slot", req.Slot,
		"new_slot", newSlot,
		"reason", req.Reason)

	if s.auditor != nil {
		s.auditLog(ctx, &audit.Event{
			Type:    audit.EventKeyRotated,
			Outcome: audit.OutcomeSuccess,
			Device:  req.Device,
			Slot:    newSlot,
			Actor:   req.RequestedBy,
			Detail:  fmt.Sprintf("slot %d replaced by slot %d (%s)", req.Slot, newSlot, req.Reason),
		})
	}
	if policy.NotifyOnRotation {
		s.emit(ctx, notify.KindKeyRotated, req.Device, newSlot, req.RequestedBy)
	}
	return nil
}

// countUnapproved is called with s.mu held.
func (s *Scheduler) countUnapproved() int {
	n := 0
	for _, req := range s.pending {
		if !req.approved() {
			n++
		}
	}
	return n
}

// emit sends a notification; delivery failure is a warning, never an error.
func (s *Scheduler) emit(ctx context.Context, kind notify.EventKind, device string, slot int, actor string) {
	err := s.notifier.Notify(ctx, &notify.Event{
		Kind:      kind,
		Device:    device,
		Slot:      slot,
		Actor:     actor,
		Timestamp: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warnf("notification %s for %s failed: %v", kind, device, err)
	}
}

func (s *Scheduler) auditLog(ctx context.Context, event *audit.Event) {
	if err := s.auditor.LogEvent(ctx, event); err != nil {
		s.logger.Warnf("audit write failed: %v", err)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
