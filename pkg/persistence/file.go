package persistence

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sanonone/graphsync/pkg/model"
)

// FileStore is a MemoryStore backed by an append-only revision log. Every
// Append is written as one frame and fsynced before it returns, unless a
// sync interval is set.
type FileStore struct {
	mem  *MemoryStore
	aof  *AOFWriter
	lazy *LazySyncer

	mu sync.Mutex
	fw *FrameWriter
}

// FileOption configures OpenFileStore.
type FileOption func(*fileSettings)

type fileSettings struct {
	syncInterval time.Duration
}

// WithSyncInterval batches fsyncs: Append returns once the frame reaches the
// OS and the log is synced every d. Zero keeps one fsync per Append.
func WithSyncInterval(d time.Duration) FileOption {
	return func(s *fileSettings) { s.syncInterval = d }
}

// OpenFileStore opens the log at path, creating its directory if needed, and
// replays it. A torn frame at the end of the log (crash during a write) is
// dropped with a warning; any other corruption is an error.
func OpenFileStore(path string, opts ...FileOption) (*FileStore, error) {
	var settings fileSettings
	for _, opt := range opts {
		opt(&settings)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	aof, err := NewAOFWriter(path)
	if err != nil {
		return nil, err
	}

	s := &FileStore{mem: NewMemoryStore(), aof: aof, fw: NewFrameWriter(aof)}
	if err := s.replay(); err != nil {
		aof.Close()
		return nil, fmt.Errorf("failed to replay revision log: %w", err)
	}
	if settings.syncInterval > 0 {
		s.lazy = NewLazySyncer(aof, settings.syncInterval)
	}
	return s, nil
}

func (s *FileStore) replay() error {
	f, err := os.Open(s.aof.Path())
	if err != nil {
		return err
	}
	defer f.Close()

	r := &countingReader{r: bufio.NewReader(f)}
	var good int64
	count := 0
	for {
		op, payload, err := ReadFrame(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrIncompleteFrame) {
			slog.Warn("Dropping torn frame at end of revision log", "path", s.aof.Path(), "offset", good)
			return s.aof.TruncateAt(good)
		}
		if err != nil {
			return fmt.Errorf("offset %d: %w", good, err)
		}
		if op != OpCodeRevision {
			return fmt.Errorf("offset %d: %w %#x", good, ErrUnknownOpCode, op)
		}

		rec, err := decodeRecord(payload)
		if err != nil {
			return fmt.Errorf("offset %d: %w", good, err)
		}
		s.mem.put(rec)
		good = r.n
		count++
	}

	slog.Info("Revision log replayed", "path", s.aof.Path(), "revisions", count)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, diagram, text string, doc model.Document) (model.Revision, error) {
	rec, err := newRecord(diagram, text, doc)
	if err != nil {
		return model.Revision{}, err
	}
	payload, err := encodeRecord(rec)
	if err != nil {
		return model.Revision{}, fmt.Errorf("failed to encode revision record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Remember where the frame starts
	mark, err := s.aof.Mark()
	if err != nil {
		return model.Revision{}, fmt.Errorf("failed to flush revision log: %w", err)
	}

	// 2. Write and sync; a failure removes the partial frame
	if err := s.writeRecord(payload); err != nil {
		if rwErr := s.aof.Rewind(mark); rwErr != nil {
			slog.Error("Failed to drop unacknowledged revision; it will reappear on replay",
				"path", s.aof.Path(), "revision", rec.ID, "error", rwErr)
		}
		return model.Revision{}, err
	}

	// 3. Index
	s.mem.put(rec)
	return rec.revision()
}

func (s *FileStore) writeRecord(payload []byte) error {
	if err := s.fw.WriteFrame(OpCodeRevision, payload); err != nil {
		return fmt.Errorf("failed to write revision: %w", err)
	}
	if s.lazy != nil {
		return s.lazy.Written()
	}
	if err := s.aof.Sync(); err != nil {
		return fmt.Errorf("failed to sync revision log: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *FileStore) Latest(ctx context.Context, diagram string) (model.Revision, error) {
	return s.mem.Latest(ctx, diagram)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, diagram, id string) (model.Revision, error) {
	return s.mem.Get(ctx, diagram, id)
}

// History implements Store.
func (s *FileStore) History(ctx context.Context, diagram string, limit int) ([]model.Revision, error) {
	return s.mem.History(ctx, diagram, limit)
}

// Close syncs and closes the log.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lazy != nil {
		if err := s.lazy.Close(); err != nil {
			slog.Error("Failed to sync revision log on close", "path", s.aof.Path(), "error", err)
		}
	}
	return s.aof.Close()
}

var _ Store = (*FileStore)(nil)
