// Package compact bounds event log growth by rewriting the log to one
// synthetic creation event per live note plus all telemetry, without ever
// changing the projected state.
package compact

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mingzhangyang/cognitive-space-sub000/internal/store"
)

// Default trigger thresholds. Compaction is pointless (and churns the disk)
// when the log is large only because there are legitimately many live notes,
// hence the ratio gate on top of the absolute minimum.
const (
	DefaultMinEvents = 2000
	DefaultRatio     = 3.0
)

// Freshener forces the projection up to date before compaction reads it.
type Freshener interface {
	EnsureProjection() error
}

// Compactor rewrites the event log opportunistically.
type Compactor struct {
	store *store.SQLiteStore
	fresh Freshener
	log   *zap.Logger

	minEvents int
	ratio     float64
	now       func() int64
}

// New returns a compactor with the given thresholds; zero values select the
// defaults.
func New(s *store.SQLiteStore, fresh Freshener, minEvents int, ratio float64, log *zap.Logger) *Compactor {
	if minEvents <= 0 {
		minEvents = DefaultMinEvents
	}
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Compactor{
		store:     s,
		fresh:     fresh,
		log:       log,
		minEvents: minEvents,
		ratio:     ratio,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// ShouldCompact reports whether both trigger conditions hold: the event count
// exceeds the minimum, and the event-to-note ratio exceeds the multiplier
// (or there are no notes at all).
func (c *Compactor) ShouldCompact() (bool, error) {
	events, err := c.store.CountEvents()
	if err != nil {
		return false, err
	}
	if events <= c.minEvents {
		return false, nil
	}
	notes, err := c.store.CountNotes()
	if err != nil {
		return false, err
	}
	if notes == 0 {
		return true, nil
	}
	return float64(events)/float64(notes) > c.ratio, nil
}

// Compact forces a fresh projection, then atomically replaces the log with
// every telemetry event unchanged plus exactly one NOTE_CREATED per live
// note, stamping the note's updatedAt as the synthetic createdAt. Both
// watermarks land on the max synthetic timestamp (zero with no notes), so
// the projection remains fresh and identical.
func (c *Compactor) Compact() error {
	if err := c.fresh.EnsureProjection(); err != nil {
		return fmt.Errorf("compact: ensure projection: %w", err)
	}

	notes, err := c.store.ListNotes()
	if err != nil {
		return err
	}
	records, err := c.store.EventRecords()
	if err != nil {
		return err
	}

	before := len(records)

	kept := make([]store.EventRecord, 0, len(notes))
	for _, rec := range records {
		if rec.Kind.TelemetryEvent() {
			kept = append(kept, rec)
		}
	}

	sort.Slice(notes, func(i, j int) bool {
		if notes[i].UpdatedAt != notes[j].UpdatedAt {
			return notes[i].UpdatedAt < notes[j].UpdatedAt
		}
		return notes[i].ID < notes[j].ID
	})

	var lastAt int64
	for _, n := range notes {
		rec, err := store.EncodeEvent(store.NoteCreated{
			ID:   uuid.NewString(),
			At:   n.UpdatedAt,
			Note: *n,
		})
		if err != nil {
			return err
		}
		kept = append(kept, rec)
		if n.UpdatedAt > lastAt {
			lastAt = n.UpdatedAt
		}
	}

	if err := c.store.SwapLog(kept, lastAt, c.now()); err != nil {
		return fmt.Errorf("compact: swap log: %w", err)
	}

	c.log.Info("log compacted",
		zap.Int("before", before),
		zap.Int("after", len(kept)),
		zap.Int("notes", len(notes)))
	return nil
}

// MaybeCompact compacts only when the trigger conditions hold.
func (c *Compactor) MaybeCompact() error {
	ok, err := c.ShouldCompact()
	if err != nil || !ok {
		return err
	}
	return c.Compact()
}

// Start launches the idle-time loop: every interval it checks the trigger and
// compacts when warranted. Compaction is not time-critical; failures are
// logged and retried on the next tick. The returned function stops the loop.
func (c *Compactor) Start(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.MaybeCompact(); err != nil {
					c.log.Warn("idle compaction failed", zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}
