package jobregistry

import (
	"context"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is how often a live worker refreshes its record.
const DefaultHeartbeatInterval = 30 * time.Second

// Tracker serialises updates to one worker record and persists each of them.
//
// A nil store turns persistence off while keeping the in-memory record.
type Tracker struct {
	mu     sync.Mutex
	store  *Store
	record WorkerRecord
}

// NewTracker persists rec once and returns a tracker for it.
func NewTracker(store *Store, rec WorkerRecord) (*Tracker, error) {
	t := &Tracker{store: store, record: rec}
	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

// Update applies fn to the record and writes it.
func (t *Tracker) Update(fn func(r *WorkerRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.record)
	return t.persistLocked()
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() WorkerRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record
	rec.GPUIDs = append([]int(nil), t.record.GPUIDs...)
	return rec
}

// StartHeartbeat refreshes LastHeartbeat every interval until ctx ends or the
// returned stop function is called.
func (t *Tracker) StartHeartbeat(ctx context.Context, interval time.Duration) func() {
	if t == nil || t.store == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				_ = t.Update(func(r *WorkerRecord) {
					now := time.Now().UTC()
					r.LastHeartbeat = &now
				})
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
			<-stopped
		})
	}
}

func (t *Tracker) persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistLocked()
}

func (t *Tracker) persistLocked() error {
	if t.store == nil {
		return nil
	}
	return t.store.Write(&t.record)
}
