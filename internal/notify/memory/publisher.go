// Package memory contains an in-memory notifier for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/mdscrape/internal/notify"
	"github.com/JakeFAU/mdscrape/internal/report"
)

// Publisher stores notices for inspection.
type Publisher struct {
	mu      sync.RWMutex
	notices []notify.Notice
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the notice for doc.
func (p *Publisher) Publish(_ context.Context, doc report.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, notify.NoticeFrom(doc))
	return nil
}

// Notices returns the recorded notices.
func (p *Publisher) Notices() []notify.Notice {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]notify.Notice, len(p.notices))
	copy(out, p.notices)
	return out
}
