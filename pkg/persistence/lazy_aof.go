package persistence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LazySyncer batches the fsyncs of an AOFWriter. Written frames reach the OS
// immediately and are synced to disk by a background routine every
// interval, so a crash loses at most one interval of revisions while
// Append no longer waits for the disk.
//
// On Close the pending data is synced before the routine exits.
type LazySyncer struct {
	aof      *AOFWriter
	interval time.Duration

	mu      sync.Mutex
	dirty   bool
	stopped bool

	ticker *time.Ticker
	stopCh chan struct{}
	done   chan struct{}
}

// DefaultSyncInterval is used when NewLazySyncer is given a non-positive
// interval.
const DefaultSyncInterval = time.Second

// NewLazySyncer starts the sync routine for aof.
func NewLazySyncer(aof *AOFWriter, interval time.Duration) *LazySyncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	l := &LazySyncer{
		aof:      aof,
		interval: interval,
		ticker:   time.NewTicker(interval),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.syncRoutine()

	slog.Info("Lazy revision log sync enabled", "path", aof.Path(), "sync_interval", interval)
	return l
}

// Written hands the frames buffered so far to the OS and schedules a sync.
func (l *LazySyncer) Written() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return fmt.Errorf("cannot write to a closed revision log")
	}
	if err := l.aof.Flush(); err != nil {
		return fmt.Errorf("failed to flush revision log: %w", err)
	}
	l.dirty = true
	return nil
}

// Dirty reports whether written data is waiting for a sync.
func (l *LazySyncer) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Sync forces the pending data to disk now.
func (l *LazySyncer) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncUnlocked()
}

func (l *LazySyncer) syncUnlocked() error {
	if !l.dirty {
		return nil
	}
	if err := l.aof.Sync(); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

// Close stops the routine and syncs what is pending. The AOFWriter stays
// open.
func (l *LazySyncer) Close() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.stopCh)
	<-l.done
	l.ticker.Stop()

	return l.Sync()
}

func (l *LazySyncer) syncRoutine() {
	defer close(l.done)
	for {
		select {
		case <-l.ticker.C:
			if err := l.Sync(); err != nil {
				slog.Error("Periodic revision log sync failed", "path", l.aof.Path(), "error", err)
			}
		case <-l.stopCh:
			return
		}
	}
}
