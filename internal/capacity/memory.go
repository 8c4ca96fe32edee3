package capacity

import (
	"context"
	"fmt"
	"sync"

	"github.com/ramiqadoumi/go-chart-flow/internal/domain"
)

type memoryLedger struct {
	mu      sync.Mutex
	entries map[Key]Entry
}

// NewMemoryLedger returns a process-local Ledger.
func NewMemoryLedger() Ledger {
	return &memoryLedger{entries: make(map[Key]Entry)}
}

func (l *memoryLedger) Provision(_ context.Context, key Key, total int) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if total < 0 {
		return Entry{}, &domain.ValidationError{Field: "total", Reason: "must not be negative"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entries[key]
	if e.Used > total {
		return Entry{}, &domain.ValidationError{
			Field:  "total",
			Reason: fmt.Sprintf("%d is below current usage %d", total, e.Used),
		}
	}
	e.Key = key
	e.Total = total
	l.entries[key] = e
	return e, nil
}

func (l *memoryLedger) Get(_ context.Context, key Key) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return Entry{}, NotFound(key)
	}
	return e, nil
}

// Keys lists every provisioned entry in scope, id order.
func (l *memoryLedger) Keys(_ context.Context) ([]Key, error) {
	l.mu.Lock()
	keys := make([]Key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.Unlock()
	SortKeys(keys)
	return keys, nil
}

func (l *memoryLedger) Snapshot(_ context.Context, keys []Key) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e, ok := l.entries[k]
		if !ok {
			return nil, NotFound(k)
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *memoryLedger) Reserve(_ context.Context, claims []Claim) error {
	if err := ValidateClaims(claims); err != nil {
		return err
	}
	claims = Merge(claims)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range claims {
		e, ok := l.entries[c.Key]
		if !ok {
			return NotFound(c.Key)
		}
		if e.Used+c.Units > e.Total {
			return &domain.CapacityExceededError{Scope: string(c.Key.Scope), ID: c.Key.ID, Used: e.Used, Total: e.Total}
		}
	}
	for _, c := range claims {
		e := l.entries[c.Key]
		e.Used += c.Units
		l.entries[c.Key] = e
	}
	return nil
}

func (l *memoryLedger) Release(_ context.Context, claims []Claim) error {
	if err := ValidateClaims(claims); err != nil {
		return err
	}
	claims = Merge(claims)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range claims {
		if _, ok := l.entries[c.Key]; !ok {
			return NotFound(c.Key)
		}
	}
	for _, c := range claims {
		e := l.entries[c.Key]
		if e.Used-c.Units < 0 {
			panic(fmt.Sprintf("capacity: releasing %d from %s would make usage negative (used=%d)", c.Units, c.Key, e.Used))
		}
		e.Used -= c.Units
		l.entries[c.Key] = e
	}
	return nil
}

func (l *memoryLedger) SetUsed(_ context.Context, key Key, used int) (Entry, error) {
	if used < 0 {
		return Entry{}, &domain.ValidationError{Field: "used", Reason: "must not be negative"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return Entry{}, NotFound(key)
	}
	if used > e.Total {
		return e, &domain.CapacityExceededError{Scope: string(key.Scope), ID: key.ID, Used: used, Total: e.Total}
	}
	e.Used = used
	l.entries[key] = e
	return e, nil
}
