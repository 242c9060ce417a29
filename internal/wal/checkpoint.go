package wal

import (
	"time"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/logger"
)

// CheckpointStats is supplied by the caller at each checkpoint, since the
// WAL itself tracks neither active transactions nor dirty pages.
type CheckpointStats struct {
	ActiveTxCount  uint32
	DirtyPageCount uint32
}

// FlushFunc flushes whatever in-memory state a checkpoint should
// persist (e.g. dirty pages) before the marker is written.
type FlushFunc func() error

// StatsFunc reports the current counters to embed in the checkpoint
// record.
type StatsFunc func() CheckpointStats

// Checkpointer periodically writes a Checkpoint record, in the style of
// the teacher's wal.Checkpointer (ticker + stop/done channel pair). It
// removes no segment files; old segments are dropped only by rotation
// once more than cfg.MaxSegments exist.
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	flush    FlushFunc
	stats    StatsFunc
	log      *logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCheckpointer builds a Checkpointer over wal using cfg's interval.
func NewCheckpointer(w *WAL, cfg common.WALConfig, flush FlushFunc, stats StatsFunc) *Checkpointer {
	interval := cfg.CheckpointInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Checkpointer{
		wal:      w,
		interval: interval,
		flush:    flush,
		stats:    stats,
		log:      logger.Global().Component("wal.checkpoint"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background checkpoint loop.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop halts the background loop and waits for it to exit.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Checkpoint(); err != nil {
				c.log.Error("checkpoint failed").Err(err).Send()
			}
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint flushes dirty state, appends a Checkpoint record and fsyncs
// it (spec.md §4.7 "Checkpoint"). Segments before the checkpoint are left
// in place.
func (c *Checkpointer) Checkpoint() error {
	if err := c.flush(); err != nil {
		return common.Wrap(common.KindIO, "Checkpointer.Checkpoint", err)
	}

	s := c.stats()
	rec := &Record{
		LSN:  c.wal.NextLSN(),
		Type: RecordCheckpoint,
		Payload: EncodeCheckpointPayload(CheckpointPayload{
			TimestampUnix:  time.Now().Unix(),
			ActiveTxCount:  s.ActiveTxCount,
			DirtyPageCount: s.DirtyPageCount,
		}),
	}

	if err := c.wal.Append(rec); err != nil {
		return err
	}
	return c.wal.Fsync()
}
