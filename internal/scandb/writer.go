package scandb

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Batch commit policy: a burst of per-image updates shares one fsync,
// while a trickle still reaches disk within writerMaxDelay.
const (
	writerMaxBatch = 50
	writerMaxDelay = time.Second
	writerPoll     = 250 * time.Millisecond
)

// writeOp is one queued mutation, applied inside the writer's current
// transaction. A barrier op carries only done and forces a commit
// before the channel is closed.
type writeOp struct {
	name  string
	apply func(tx *sql.Tx) error
	done  chan struct{}
}

// Writer applies store mutations on a single background goroutine in
// submission order. Do never blocks while the writer runs; write
// failures are logged and the writer keeps going.
type Writer struct {
	db *DB

	mu        sync.Mutex
	queue     []writeOp
	unflushed int
	running   bool

	kick chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

func NewWriter(db *DB) *Writer {
	return &Writer{
		db:   db,
		kick: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Start launches the consumer goroutine. A stopped writer cannot be
// restarted.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
}

// Running reports whether the consumer goroutine is active.
func (w *Writer) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stop drains the queue, commits the final batch and stops the
// consumer. Ops submitted after Stop are applied synchronously.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.quit)
	w.wg.Wait()
}

// Do routes one mutation through the queue when the writer is running,
// else applies it in its own transaction. The queued path always
// returns nil; failures surface in the log.
func (w *Writer) Do(name string, apply func(tx *sql.Tx) error) error {
	w.mu.Lock()
	if w.running {
		w.queue = append(w.queue, writeOp{name: name, apply: apply})
		w.unflushed++
		w.mu.Unlock()
		w.wake()
		return nil
	}
	w.mu.Unlock()
	return w.applySync(name, apply)
}

// Sync blocks until every op submitted before it is applied and
// committed. No-op when the writer is not running.
func (w *Writer) Sync() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	done := make(chan struct{})
	w.queue = append(w.queue, writeOp{name: "sync", done: done})
	w.mu.Unlock()
	w.wake()
	<-done
}

// PendingCount reports ops accepted but not yet committed.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unflushed
}

func (w *Writer) wake() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()

	// Age-based commits piggyback on a coarse poll.
	tick := time.NewTicker(writerPoll)
	defer tick.Stop()

	var (
		tx         *sql.Tx
		txOps      int
		batchStart time.Time
	)

	begin := func() bool {
		if tx != nil {
			return true
		}
		var err error
		tx, err = w.db.Begin()
		if err != nil {
			log.Printf("scan writer: begin: %v", err)
			return false
		}
		txOps = 0
		batchStart = time.Now()
		return true
	}

	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			log.Printf("scan writer: commit %d ops: %v", txOps, err)
			tx.Rollback()
		}
		w.mu.Lock()
		w.unflushed -= txOps
		w.mu.Unlock()
		tx = nil
		txOps = 0
	}

	applyOne := func(op writeOp) {
		if op.apply != nil {
			if begin() {
				if err := op.apply(tx); err != nil {
					log.Printf("scan writer: %s: %v", op.name, err)
				}
				txOps++
			} else {
				w.mu.Lock()
				w.unflushed--
				w.mu.Unlock()
			}
		}
		if op.done != nil {
			commit()
			close(op.done)
		}
	}

	drain := func() {
		for {
			w.mu.Lock()
			batch := w.queue
			w.queue = nil
			w.mu.Unlock()
			if len(batch) == 0 {
				return
			}
			for _, op := range batch {
				applyOne(op)
				if txOps >= writerMaxBatch {
					commit()
				}
			}
		}
	}

	for {
		select {
		case <-w.kick:
			drain()
		case <-tick.C:
			if tx != nil && time.Since(batchStart) >= writerMaxDelay {
				commit()
			}
		case <-w.quit:
			drain()
			commit()
			return
		}
	}
}

func (w *Writer) applySync(name string, apply func(tx *sql.Tx) error) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin %s: %w", name, err)
	}
	if err := apply(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}
