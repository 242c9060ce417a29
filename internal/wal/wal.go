package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/logger"
	"github.com/nainya/reldb/internal/metrics"
)

const segmentPrefix = "wal"

// WAL is an append-only, segment-rotated write-ahead log. Segment naming
// and rotation follow the teacher's pkg/wal.WAL; the record format and
// type set are this spec's own (record.go).
type WAL struct {
	dir     string
	cfg     common.WALConfig
	metrics *metrics.Metrics
	log     *logger.Logger

	mu        sync.Mutex
	fd        *os.File
	lsn       atomic.Uint64
	fileSize  int64
	fileIndex int
	closed    bool
}

// Open opens or creates the WAL under cfg.Dir, resuming LSN allocation
// from the highest LSN found in any existing segment.
func Open(cfg common.WALConfig, m *metrics.Metrics) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, common.Wrap(common.KindIO, "WAL.Open", err)
	}

	w := &WAL{
		dir:     cfg.Dir,
		cfg:     cfg,
		metrics: m,
		log:     logger.Global().Component("wal"),
	}

	files, err := w.findSegments()
	if err != nil {
		return nil, common.Wrap(common.KindIO, "WAL.Open", err)
	}

	if len(files) > 0 {
		latest := files[len(files)-1]
		fd, err := os.OpenFile(latest, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return nil, common.Wrap(common.KindIO, "WAL.Open", err)
		}
		w.fd = fd

		stat, err := fd.Stat()
		if err != nil {
			return nil, common.Wrap(common.KindIO, "WAL.Open", err)
		}
		w.fileSize = stat.Size()
		fmt.Sscanf(filepath.Base(latest), segmentPrefix+".%d", &w.fileIndex)

		maxLSN, err := w.scanForHighestLSN(files)
		if err != nil {
			return nil, common.Wrap(common.KindIO, "WAL.Open", err)
		}
		w.lsn.Store(maxLSN)
	} else {
		fd, err := os.OpenFile(w.segmentPath(0), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, common.Wrap(common.KindIO, "WAL.Open", err)
		}
		w.fd = fd
	}

	return w, nil
}

// NextLSN allocates and returns the next log sequence number.
func (w *WAL) NextLSN() common.LSN {
	return common.LSN(w.lsn.Add(1))
}

// Append writes r to the log, rotating to a new segment first if r would
// overflow cfg.MaxSegmentBytes. It does not fsync.
func (w *WAL) Append(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return common.New(common.KindIO, "WAL.Append", ErrLogClosed)
	}

	data := r.Encode()
	if w.cfg.MaxSegmentBytes > 0 && w.fileSize+int64(len(data)) > w.cfg.MaxSegmentBytes {
		if err := w.rotateLocked(); err != nil {
			return common.Wrap(common.KindIO, "WAL.Append", err)
		}
	}

	n, err := w.fd.Write(data)
	if err != nil {
		return common.Wrap(common.KindIO, "WAL.Append", err)
	}
	w.fileSize += int64(n)

	if w.metrics != nil {
		w.metrics.WALAppendsTotal.Inc()
		w.metrics.WALBytesWrittenTotal.Add(float64(n))
	}
	return nil
}

// Fsync flushes the current segment to stable storage; the WAL write-
// ahead rule (spec.md §6) requires this before the corresponding page
// write is allowed to reach disk.
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return common.New(common.KindIO, "WAL.Fsync", ErrLogClosed)
	}
	if err := w.fd.Sync(); err != nil {
		return common.Wrap(common.KindIO, "WAL.Fsync", err)
	}
	return nil
}

// Close closes the current segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.fd.Close()
}

func (w *WAL) rotateLocked() error {
	if err := w.fd.Sync(); err != nil {
		return err
	}
	if err := w.fd.Close(); err != nil {
		return err
	}

	w.fileIndex++
	fd, err := os.OpenFile(w.segmentPath(w.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.fd = fd
	w.fileSize = 0

	return w.pruneOldSegmentsLocked()
}

// pruneOldSegmentsLocked removes segments beyond cfg.MaxSegments, keeping
// only the most recent ones. Recovery always starts from the last
// checkpoint, so segments entirely before it are safe to drop; callers
// that checkpoint before rotating guarantee that invariant.
func (w *WAL) pruneOldSegmentsLocked() error {
	if w.cfg.MaxSegments <= 0 {
		return nil
	}
	files, err := w.findSegments()
	if err != nil {
		return err
	}
	if len(files) <= w.cfg.MaxSegments {
		return nil
	}
	for _, f := range files[:len(files)-w.cfg.MaxSegments] {
		os.Remove(f)
	}
	return nil
}

func (w *WAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s.%03d", segmentPrefix, index))
}

// findSegments returns every segment file path, sorted by index ascending.
func (w *WAL) findSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(e.Name(), segmentPrefix+".%d", &idx); err == nil {
			files = append(files, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Slice(files, func(i, j int) bool {
		var a, b int
		fmt.Sscanf(filepath.Base(files[i]), segmentPrefix+".%d", &a)
		fmt.Sscanf(filepath.Base(files[j]), segmentPrefix+".%d", &b)
		return a < b
	})
	return files, nil
}

func (w *WAL) scanForHighestLSN(files []string) (uint64, error) {
	var maxLSN uint64
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return 0, err
	}
	defer reader.Close()
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if uint64(rec.LSN) > maxLSN {
			maxLSN = uint64(rec.LSN)
		}
	}
	return maxLSN, nil
}

// Segments exposes the current set of segment file paths, in LSN order,
// for use by the recovery manager.
func (w *WAL) Segments() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.findSegments()
}
