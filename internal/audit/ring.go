package audit

import (
	"sync"

	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// Ring keeps the most recent audit records, oldest overwritten first
type Ring struct {
	mu    sync.RWMutex
	buf   []types.AuditRecord
	next  int
	count int
}

// NewRing creates a ring holding up to capacity records
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]types.AuditRecord, capacity)}
}

func (r *Ring) Add(rec types.AuditRecord) {
	r.mu.Lock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Latest returns up to n records, newest first. n <= 0 returns all.
func (r *Ring) Latest(n int) []types.AuditRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]types.AuditRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
