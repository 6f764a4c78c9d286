package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"flare-signals/internal/signal"
)

// MemoryStore keeps signals and notifications in process. It backs the service and
// command tests; nothing in the binary runs on it.
type MemoryStore struct {
	mu            sync.Mutex
	signals       map[string]signal.Signal
	notifications []signal.NotificationRecord
	locks         map[int64]bool
	now           func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]signal.Signal),
		locks:   make(map[int64]bool),
		now:     time.Now,
	}
}

// PutSignal inserts or replaces a signal, including its bookkeeping timestamps.
func (m *MemoryStore) PutSignal(sig signal.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[sig.ID] = cloneSignal(sig)
}

// UpsertSignal stores the definition and keeps existing bookkeeping timestamps.
func (m *MemoryStore) UpsertSignal(_ context.Context, sig signal.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.signals[sig.ID]; ok {
		sig.LastTriggeredAt = prev.LastTriggeredAt
		sig.LastEvaluatedAt = prev.LastEvaluatedAt
	} else {
		sig.LastTriggeredAt = nil
		sig.LastEvaluatedAt = nil
	}
	m.signals[sig.ID] = cloneSignal(sig)
	return nil
}

// GetSignal returns a copy of the stored signal.
func (m *MemoryStore) GetSignal(_ context.Context, id string) (signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return signal.Signal{}, fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}
	return cloneSignal(sig), nil
}

// ListSignals returns every signal ordered by name.
func (m *MemoryStore) ListSignals(_ context.Context) ([]signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signal.Signal, 0, len(m.signals))
	for _, sig := range m.signals {
		out = append(out, cloneSignal(sig))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListActiveSignalIDs returns active ids in lexical order.
func (m *MemoryStore) ListActiveSignalIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.signals))
	for id, sig := range m.signals {
		if sig.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// MarkEvaluated sets LastEvaluatedAt.
func (m *MemoryStore) MarkEvaluated(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(sig *signal.Signal) { sig.LastEvaluatedAt = &at })
}

// MarkTriggered sets LastTriggeredAt.
func (m *MemoryStore) MarkTriggered(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(sig *signal.Signal) { sig.LastTriggeredAt = &at })
}

func (m *MemoryStore) update(id string, fn func(*signal.Signal)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.signals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}
	fn(&sig)
	m.signals[id] = sig
	return nil
}

// InsertNotification appends rec and assigns it a sequential id.
func (m *MemoryStore) InsertNotification(_ context.Context, rec signal.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = strconv.Itoa(len(m.notifications) + 1)
	rec.CreatedAt = m.now()
	rec.Payload = append([]byte(nil), rec.Payload...)
	m.notifications = append(m.notifications, rec)
	return nil
}

// ListRecentNotifications returns up to limit records, newest first.
func (m *MemoryStore) ListRecentNotifications(_ context.Context, limit int) ([]signal.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signal.NotificationRecord, 0, limit)
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.notifications[i])
	}
	return out, nil
}

// ListNotificationsBetween returns records triggered in [from, to), oldest first.
func (m *MemoryStore) ListNotificationsBetween(_ context.Context, from, to time.Time) ([]signal.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signal.NotificationRecord, 0)
	for _, rec := range m.notifications {
		if !rec.TriggeredAt.Before(from) && rec.TriggeredAt.Before(to) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, nil
}

// Notifications returns a snapshot of the whole log in insertion order.
func (m *MemoryStore) Notifications() []signal.NotificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signal.NotificationRecord(nil), m.notifications...)
}

// TryAdvisoryLock emulates a process-wide advisory lock.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, key)
			m.mu.Unlock()
		})
	}, true, nil
}

func cloneSignal(sig signal.Signal) signal.Signal {
	sig.Chains = append([]int64(nil), sig.Chains...)
	if sig.LastTriggeredAt != nil {
		t := *sig.LastTriggeredAt
		sig.LastTriggeredAt = &t
	}
	if sig.LastEvaluatedAt != nil {
		t := *sig.LastEvaluatedAt
		sig.LastEvaluatedAt = &t
	}
	return sig
}

var (
	_ SignalStore       = (*MemoryStore)(nil)
	_ NotificationStore = (*MemoryStore)(nil)
	_ SignalWriter      = (*MemoryStore)(nil)
	_ AdvisoryLocker    = (*MemoryStore)(nil)
)
