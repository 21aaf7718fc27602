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
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAudit is an in-memory audit adapter with a bounded event count.
// Oldest events are dropped first when the bound is exceeded.
type MemoryAudit struct {
	mu     sync.RWMutex
	events []*Event
	max    int
}

// NewMemoryAudit creates an in-memory audit store retaining at most max
// events. A max of zero means unbounded.
func NewMemoryAudit(max int) *MemoryAudit {
	return &MemoryAudit{max: max}
}

// LogEvent records an audit event, assigning ID and timestamp if unset.
func (m *MemoryAudit) LogEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if m.max > 0 && len(m.events) > m.max {
		m.events = m.events[len(m.events)-m.max:]
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (m *MemoryAudit) Events(ctx context.Context) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

// Verify interface compliance at compile time
var _ Adapter = (*MemoryAudit)(nil)
