// Package journal keeps a local history of privileged operations.
// Entries are stored in bbolt, oldest first, and trimmed to a fixed size.
// The journal also remembers when each pool was last scrubbed, which the
// scrub scheduler uses to decide what is due.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/doughall/zfsbroker/internal/broker"
	"github.com/doughall/zfsbroker/internal/codec"
	"github.com/doughall/zfsbroker/internal/helper"
)

const (
	operationsBucket = "operations"
	scrubsBucket     = "last_scrub"

	// DefaultMaxEntries bounds the history when no limit is configured.
	DefaultMaxEntries = 1000
)

// Entry is one finished operation.
type Entry struct {
	Seq        uint64    `cbor:"seq"`
	ID         string    `cbor:"id"`
	Command    string    `cbor:"command"`
	Target     string    `cbor:"target"`
	Action     string    `cbor:"action,omitempty"`
	StartedAt  time.Time `cbor:"started_at"`
	DurationMs int64     `cbor:"duration_ms"`
	Result     string    `cbor:"result"`
	Error      string    `cbor:"error,omitempty"`
}

// Succeeded reports whether the operation completed without error.
func (e *Entry) Succeeded() bool {
	return e.Result == "ok"
}

// startsScrub reports whether e is a successfully started scrub.
func (e *Entry) startsScrub() bool {
	if e.Command != string(helper.CommandScrubPool) || !e.Succeeded() {
		return false
	}
	return e.Action == "" || e.Action == string(broker.ScrubStart)
}

// Journal is the operation history.
type Journal struct {
	db         *bolt.DB
	maxEntries int
}

// Open opens or creates the journal database. maxEntries <= 0 selects
// DefaultMaxEntries.
func Open(dbPath string, maxEntries int) (*Journal, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{operationsBucket, scrubsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, maxEntries: maxEntries}, nil
}

// Record appends e, assigning Seq and, if empty, ID.
func (j *Journal) Record(e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(operationsBucket))

		seq, _ := b.NextSequence()
		e.Seq = seq

		data, err := codec.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		if e.startsScrub() {
			stamp, err := e.StartedAt.MarshalBinary()
			if err != nil {
				return err
			}
			if err := tx.Bucket([]byte(scrubsBucket)).Put([]byte(e.Target), stamp); err != nil {
				return err
			}
		}

		return trim(b, seq, j.maxEntries)
	})
}

// trim deletes entries older than the max most recent, newest being the
// sequence just written.
func trim(b *bolt.Bucket, newest uint64, max int) error {
	if newest <= uint64(max) {
		return nil
	}
	cutoff := itob(newest - uint64(max) + 1)

	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]*Entry, error) {
	var entries []*Entry

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(operationsBucket)).Cursor()

		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := codec.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, &e)
		}
		return nil
	})

	return entries, err
}

// LastScrub returns when a scrub of pool was last started successfully.
func (j *Journal) LastScrub(pool string) (time.Time, bool, error) {
	var last time.Time
	var found bool

	err := j.db.View(func(tx *bolt.Tx) error {
		stamp := tx.Bucket([]byte(scrubsBucket)).Get([]byte(pool))
		if stamp == nil {
			return nil
		}
		found = true
		return last.UnmarshalBinary(stamp)
	})

	return last, found, err
}

// Count returns the number of stored entries.
func (j *Journal) Count() (int, error) {
	var count int
	err := j.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket([]byte(operationsBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Recorder adapts the journal to receive broker outcomes. Write failures
// are logged, not returned.
func (j *Journal) Recorder(logger *slog.Logger) broker.Recorder {
	return broker.RecorderFunc(func(o broker.Outcome) {
		e := &Entry{
			Command:    string(o.Command),
			Target:     o.Target,
			StartedAt:  o.Started,
			DurationMs: o.Duration.Milliseconds(),
			Result:     broker.Kind(o.Err),
		}
		if o.Err != nil {
			e.Error = o.Err.Error()
		}
		if scrub, ok := o.Request.(broker.ScrubPoolRequest); ok {
			e.Action = string(scrub.Action)
		}

		if err := j.Record(e); err != nil {
			logger.Error("failed to record operation",
				slog.String("command", e.Command),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Shutdown closes the database.
func (j *Journal) Shutdown(ctx context.Context) error {
	return j.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
