package notifier

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/richardliu001/wallet-ledger/internal/model"
)

// Journal retains published events so lagging or reconnecting subscribers
// can catch up from a sequence number.
type Journal interface {
	Append(evt model.ChangeEvent) error
	// Replay calls fn for every retained event, oldest first.
	Replay(fn func(evt model.ChangeEvent)) error
	Close() error
}

const (
	journalSegmentLimit = 1000
	journalMaxSegments  = 100
	journalKeyPrefix    = "acct:"
)

// WALJournal persists events in a segmented WAL, so replay survives restarts.
type WALJournal struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

func NewWALJournal(dir string) (*WALJournal, error) {
	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "events_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init event journal WAL")
	}
	return &WALJournal{wal: wal}, nil
}

func (j *WALJournal) Append(evt model.ChangeEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal change event")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Write(j.wal.CurrentIndex()+1, journalKeyPrefix+evt.AccountID, payload)
}

func (j *WALJournal) Replay(fn func(evt model.ChangeEvent)) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for msg := range j.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, journalKeyPrefix) {
			continue
		}
		var evt model.ChangeEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return errors.Wrap(err, "decode change event")
		}
		fn(evt)
	}
	return nil
}

func (j *WALJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}

// MemoryJournal keeps the last limit events in memory.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []model.ChangeEvent
	limit  int
}

func NewMemoryJournal(limit int) *MemoryJournal {
	if limit < 1 {
		limit = 10000
	}
	return &MemoryJournal{limit: limit}
}

func (j *MemoryJournal) Append(evt model.ChangeEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, evt)
	if over := len(j.events) - j.limit; over > 0 {
		j.events = append([]model.ChangeEvent(nil), j.events[over:]...)
	}
	return nil
}

func (j *MemoryJournal) Replay(fn func(evt model.ChangeEvent)) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, evt := range j.events {
		fn(evt)
	}
	return nil
}

func (j *MemoryJournal) Close() error { return nil }

