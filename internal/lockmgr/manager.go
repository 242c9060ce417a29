package lockmgr

import (
	"sync"
	"time"

	"github.com/nainya/reldb/internal/common"
	"github.com/nainya/reldb/internal/logger"
	"github.com/nainya/reldb/internal/metrics"
)

// Manager grants and releases locks on Resources, running a background
// deadlock detector in the style of the teacher's wal.Checkpointer
// (ticker + stop channel).
type Manager struct {
	mu sync.Mutex

	cfg     common.LockManagerConfig
	metrics *metrics.Metrics
	log     *logger.Logger

	holders map[Resource][]holder
	queues  map[Resource][]*waiter
	heldBy  map[common.TxID]map[Resource]Mode
	victims map[common.TxID]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Manager and, if cfg.AutoDeadlockDetection is set, starts the
// background detector goroutine.
func New(cfg common.LockManagerConfig, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		cfg:     cfg,
		metrics: m,
		log:     logger.Global().Component("lockmgr"),
		holders: make(map[Resource][]holder),
		queues:  make(map[Resource][]*waiter),
		heldBy:  make(map[common.TxID]map[Resource]Mode),
		victims: make(map[common.TxID]bool),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if cfg.AutoDeadlockDetection {
		go mgr.detectLoop()
	} else {
		close(mgr.doneCh)
	}
	return mgr
}

// Stop halts the background deadlock detector.
func (mgr *Manager) Stop() {
	select {
	case <-mgr.stopCh:
		return // already stopped
	default:
		close(mgr.stopCh)
	}
	<-mgr.doneCh
}

// Acquire grants tx the given mode on resource, blocking until compatible,
// timed out, or chosen as a deadlock victim. It retries with boosted queue
// priority (when cfg.EnablePriority) up to cfg.MaxLockRetries times before
// returning Timeout.
func (mgr *Manager) Acquire(tx common.TxID, res Resource, mode Mode) error {
	retries := mgr.cfg.MaxLockRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		priority := 0
		if mgr.cfg.EnablePriority {
			priority = attempt
		}
		err := mgr.acquireOnce(tx, res, mode, priority, mgr.cfg.LockTimeout)
		if err == nil {
			return nil
		}
		lastErr = err
		if common.IsKind(err, common.KindDeadlock) {
			return err // sticky until release_all; retrying cannot help
		}
	}
	return lastErr
}

func (mgr *Manager) acquireOnce(tx common.TxID, res Resource, mode Mode, priority int, timeout time.Duration) error {
	start := time.Now()

	mgr.mu.Lock()
	if mgr.victims[tx] {
		mgr.mu.Unlock()
		return common.New(common.KindDeadlock, "LockManager.Acquire", nil)
	}

	if existing, ok := mgr.heldBy[tx][res]; ok && existing == mode {
		mgr.mu.Unlock()
		mgr.recordAcquire("granted", time.Since(start))
		return nil // re-requesting the held mode is a no-op
	}

	if mgr.canGrantLocked(tx, res, mode) && len(mgr.queues[res]) == 0 {
		mgr.grantLocked(tx, res, mode)
		mgr.mu.Unlock()
		mgr.recordAcquire("granted", time.Since(start))
		return nil
	}

	w := &waiter{tx: tx, mode: mode, priority: priority, grant: make(chan error, 1)}
	mgr.enqueueLocked(res, w)
	mgr.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case err := <-w.grant:
		if err == nil {
			mgr.recordAcquire("granted", time.Since(start))
		} else if common.IsKind(err, common.KindDeadlock) {
			mgr.recordAcquire("deadlock", time.Since(start))
		}
		return err
	case <-timeoutCh:
		mgr.mu.Lock()
		mgr.removeWaiterLocked(res, w)
		mgr.mu.Unlock()
		mgr.recordAcquire("timeout", time.Since(start))
		return common.New(common.KindTimeout, "LockManager.Acquire", nil)
	}
}

func (mgr *Manager) recordAcquire(outcome string, waited time.Duration) {
	if mgr.metrics != nil {
		mgr.metrics.RecordLockAcquire(outcome, waited)
	}
}

// canGrantLocked reports whether mode is compatible with every other
// transaction's current holder on res, allowing S->X upgrade when tx is
// the sole holder.
func (mgr *Manager) canGrantLocked(tx common.TxID, res Resource, mode Mode) bool {
	for _, h := range mgr.holders[res] {
		if h.tx == tx {
			continue
		}
		if !Compatible(mode, h.mode) {
			return false
		}
	}
	return true
}

func (mgr *Manager) grantLocked(tx common.TxID, res Resource, mode Mode) {
	for i, h := range mgr.holders[res] {
		if h.tx == tx {
			mgr.holders[res][i].mode = mode
			mgr.setHeld(tx, res, mode)
			return
		}
	}
	mgr.holders[res] = append(mgr.holders[res], holder{tx: tx, mode: mode})
	mgr.setHeld(tx, res, mode)
}

func (mgr *Manager) setHeld(tx common.TxID, res Resource, mode Mode) {
	if mgr.heldBy[tx] == nil {
		mgr.heldBy[tx] = make(map[Resource]Mode)
	}
	mgr.heldBy[tx][res] = mode
}

// enqueueLocked inserts w into res's wait queue, keeping it FIFO among
// equal priorities and priority-sorted overall (priority-boost-after-
// starvation, spec.md §5 supplement).
func (mgr *Manager) enqueueLocked(res Resource, w *waiter) {
	q := mgr.queues[res]
	idx := len(q)
	for i, existing := range q {
		if existing.priority < w.priority {
			idx = i
			break
		}
	}
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = w
	mgr.queues[res] = q
}

func (mgr *Manager) removeWaiterLocked(res Resource, target *waiter) {
	q := mgr.queues[res]
	for i, w := range q {
		if w == target {
			mgr.queues[res] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Release drops tx's lock on res and grants any now-compatible waiters.
func (mgr *Manager) Release(tx common.TxID, res Resource) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.releaseLocked(tx, res)
}

func (mgr *Manager) releaseLocked(tx common.TxID, res Resource) {
	holders := mgr.holders[res]
	for i, h := range holders {
		if h.tx == tx {
			mgr.holders[res] = append(holders[:i], holders[i+1:]...)
			break
		}
	}
	if mgr.heldBy[tx] != nil {
		delete(mgr.heldBy[tx], res)
		if len(mgr.heldBy[tx]) == 0 {
			delete(mgr.heldBy, tx)
		}
	}
	mgr.drainQueueLocked(res)
}

// drainQueueLocked grants waiters from the head of res's queue while they
// remain compatible with the current holder set, stopping at the first
// incompatible request (strict FIFO: no queue-jumping).
func (mgr *Manager) drainQueueLocked(res Resource) {
	for len(mgr.queues[res]) > 0 {
		w := mgr.queues[res][0]
		if !mgr.canGrantLocked(w.tx, res, w.mode) {
			return
		}
		mgr.queues[res] = mgr.queues[res][1:]
		mgr.grantLocked(w.tx, res, w.mode)
		w.grant <- nil
	}
}

// ReleaseAll drops every lock tx holds and clears any victim marker,
// allowing tx to acquire again under a fresh begin.
func (mgr *Manager) ReleaseAll(tx common.TxID) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.releaseAllLocked(tx)
	delete(mgr.victims, tx)
}

func (mgr *Manager) releaseAllLocked(tx common.TxID) {
	held := mgr.heldBy[tx]
	resources := make([]Resource, 0, len(held))
	for res := range held {
		resources = append(resources, res)
	}
	for _, res := range resources {
		mgr.releaseLocked(tx, res)
	}

	for res, q := range mgr.queues {
		filtered := q[:0]
		for _, w := range q {
			if w.tx == tx {
				continue
			}
			filtered = append(filtered, w)
		}
		mgr.queues[res] = filtered
	}
}

// detectLoop runs the periodic wait-for-graph deadlock check.
func (mgr *Manager) detectLoop() {
	defer close(mgr.doneCh)
	ticker := time.NewTicker(mgr.cfg.DeadlockCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mgr.detectAndResolve()
		case <-mgr.stopCh:
			return
		}
	}
}

// detectAndResolve builds the wait-for graph from current queues/holders,
// and if it contains a cycle, aborts the highest-id transaction in it.
func (mgr *Manager) detectAndResolve() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	graph := make(map[common.TxID]map[common.TxID]bool)
	for res, q := range mgr.queues {
		for _, w := range q {
			for _, h := range mgr.holders[res] {
				if h.tx == w.tx {
					continue
				}
				if graph[w.tx] == nil {
					graph[w.tx] = make(map[common.TxID]bool)
				}
				graph[w.tx][h.tx] = true
			}
		}
	}

	cycle := findCycle(graph)
	if cycle == nil {
		return
	}

	victim := cycle[0]
	for _, tx := range cycle[1:] {
		if tx > victim {
			victim = tx
		}
	}
	mgr.abortVictimLocked(victim)
}

func (mgr *Manager) abortVictimLocked(tx common.TxID) {
	mgr.victims[tx] = true

	for res, q := range mgr.queues {
		remaining := q[:0]
		for _, w := range q {
			if w.tx == tx {
				w.grant <- common.New(common.KindDeadlock, "LockManager.Acquire", nil)
				continue
			}
			remaining = append(remaining, w)
		}
		mgr.queues[res] = remaining
	}

	mgr.releaseAllLocked(tx)

	if mgr.metrics != nil {
		mgr.metrics.LockDeadlocksTotal.Inc()
	}
	mgr.log.Warn("deadlock detected, aborting victim").Uint64("tx", uint64(tx)).Send()
}

// findCycle runs DFS over graph and returns the first cycle found, or nil.
func findCycle(graph map[common.TxID]map[common.TxID]bool) []common.TxID {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[common.TxID]int)
	var stack []common.TxID

	var visit func(tx common.TxID) []common.TxID
	visit = func(tx common.TxID) []common.TxID {
		state[tx] = visiting
		stack = append(stack, tx)
		for next := range graph[tx] {
			switch state[next] {
			case unvisited:
				if cyc := visit(next); cyc != nil {
					return cyc
				}
			case visiting:
				// found a cycle: slice stack from next's position onward.
				for i, id := range stack {
					if id == next {
						cyc := make([]common.TxID, len(stack)-i)
						copy(cyc, stack[i:])
						return cyc
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[tx] = done
		return nil
	}

	for tx := range graph {
		if state[tx] == unvisited {
			if cyc := visit(tx); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
