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

package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PrebootBuffer buffers audit events in memory while no persistent store
// exists (before the root volume is mounted) and flushes them to a durable
// adapter once boot completes. After a successful flush, subsequent events
// are forwarded directly to the durable adapter.
type PrebootBuffer struct {
	mu      sync.Mutex
	pending []*Event
	durable Adapter
	flushed bool
}

// NewPrebootBuffer creates an empty pre-boot audit buffer.
func NewPrebootBuffer() *PrebootBuffer {
	return &PrebootBuffer{}
}

// LogEvent buffers the event, or forwards it if the buffer has already been
// flushed to a durable adapter.
func (p *PrebootBuffer) LogEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.flushed && p.durable != nil {
		return p.durable.LogEvent(ctx, event)
	}
	p.pending = append(p.pending, event)
	return nil
}

// Events returns the buffered events, oldest first. After a flush it
// delegates to the durable adapter.
func (p *PrebootBuffer) Events(ctx context.Context) ([]*Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.flushed && p.durable != nil {
		return p.durable.Events(ctx)
	}
	out := make([]*Event, len(p.pending))
	copy(out, p.pending)
	return out, nil
}

// Flush writes all buffered events to the durable adapter in order and
// forwards future events to it. Buffered events are retained if the flush
// fails partway so a retry loses nothing.
func (p *PrebootBuffer) Flush(ctx context.Context, durable Adapter) error {
	if durable == nil {
		return fmt.Errorf("audit: durable adapter is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) > 0 {
		if err := durable.LogEvent(ctx, p.pending[0]); err != nil {
			return fmt.Errorf("audit: preboot flush failed: %w", err)
		}
		p.pending = p.pending[1:]
	}
	p.durable = durable
	p.flushed = true
	return nil
}

// Verify interface compliance at compile time
var _ Adapter = (*PrebootBuffer)(nil)
