// Package rebuild keeps the materialized projection consistent with the
// event log: a coordinator that rebuilds the projection when it is stale, and
// a bridge that offloads the rebuild to a background execution context.
package rebuild

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mingzhangyang/cognitive-space-sub000/internal/store"
	"github.com/mingzhangyang/cognitive-space-sub000/pkg/projection"
)

// DefaultBatchSize bounds how many projection rows a single rebuild
// transaction writes.
const DefaultBatchSize = 200

// Coordinator ensures at most one rebuild runs at a time. Concurrent callers
// of EnsureProjection share the outcome of the in-flight run instead of
// starting redundant ones; that single-flight rule is the only cross-context
// exclusion in the system, and it is what prevents two rebuilds from
// interleaving their write batches.
type Coordinator struct {
	store     *store.SQLiteStore
	group     singleflight.Group
	batchSize int
	log       *zap.Logger
}

// NewCoordinator returns a coordinator writing batchSize rows per rebuild
// transaction. batchSize <= 0 selects DefaultBatchSize; a nil logger is
// replaced with a no-op one.
func NewCoordinator(s *store.SQLiteStore, batchSize int, log *zap.Logger) *Coordinator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{store: s, batchSize: batchSize, log: log}
}

// EnsureProjection is the read-repair guard composed in front of every store
// entry point. It is a no-op when the projection is fresh; otherwise it runs
// the one-shot bootstrap and rebuilds from the log. Safe to call from any
// number of goroutines: all concurrent callers await the same rebuild.
func (c *Coordinator) EnsureProjection() error {
	_, err, _ := c.group.Do("ensure-projection", func() (any, error) {
		// First run over a pre-event-sourcing store: no watermark yet.
		_, ok, err := c.store.Meta(store.MetaLastEventAt)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := c.store.EnsureBootstrap(); err != nil {
				return nil, fmt.Errorf("bootstrap: %w", err)
			}
		}

		stale, err := c.store.Stale()
		if err != nil {
			return nil, err
		}
		if !stale {
			return nil, nil
		}
		return nil, c.Rebuild()
	})
	return err
}

// Rebuild loads the full log in replay order, folds it, and replaces the
// projection contents in fixed-size batches. The lastProjectionAt watermark
// only advances with the final batch, so a crash mid-rebuild leaves the
// store STALE and the next call repairs it.
func (c *Coordinator) Rebuild() error {
	start := time.Now()

	events, err := c.store.Events()
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	notes := projection.Project(events)

	if err := c.store.ReplaceProjection(notes, c.batchSize); err != nil {
		return fmt.Errorf("replace projection: %w", err)
	}

	c.log.Info("projection rebuilt",
		zap.Int("events", len(events)),
		zap.Int("notes", len(notes)),
		zap.Duration("took", time.Since(start)))
	return nil
}
