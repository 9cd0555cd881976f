package persistence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/graphsync/pkg/model"
)

func sampleDoc(name string) model.Document {
	return model.Document{
		Nodes: []model.Node{
			{Key: model.StringKey("a"), Name: name, LeftPorts: []model.Port{}, RightPorts: []model.Port{{PortID: "out", Unit: "m"}}},
			{Key: model.IntKey(2), Name: "b", LeftPorts: []model.Port{{PortID: "in", Unit: "m"}}, RightPorts: []model.Port{}},
		},
		Links: []model.Link{{Key: model.IntKey(-1), From: model.StringKey("a"), FromPort: "out", To: model.IntKey(2), ToPort: "in"}},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteFrame(OpCodeRevision, []byte("hello")))
	require.NoError(t, fw.WriteFrame(OpCodeRevision, nil))

	op, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(OpCodeRevision), op)
	assert.Equal(t, []byte("hello"), payload)

	_, payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, payload)

	_, _, err = ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrameCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(OpCodeRevision, []byte("payload")))
	data := buf.Bytes()

	corrupted := bytes.Clone(data)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, _, err := ReadFrame(bytes.NewReader(corrupted))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	badMagic := bytes.Clone(data)
	badMagic[0] = 0x00
	_, _, err = ReadFrame(bytes.NewReader(badMagic))
	assert.ErrorIs(t, err, ErrInvalidMagic)

	_, _, err = ReadFrame(bytes.NewReader(data[:len(data)-2]))
	assert.ErrorIs(t, err, ErrIncompleteFrame)
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Latest(ctx, "main")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := s.Append(ctx, "main", "component a", sampleDoc("A"))
	require.NoError(t, err)
	_, err = ulid.Parse(first.ID)
	require.NoError(t, err, "revision ids are ULIDs")

	second, err := s.Append(ctx, "main", "component a2", sampleDoc("A2"))
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	_, err = s.Append(ctx, "other", "", sampleDoc("X"))
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, second, latest)
	assert.Equal(t, sampleDoc("A2"), latest.Graph, "key kinds survive storage")

	got, err := s.Get(ctx, "main", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "component a", got.Text)

	_, err = s.Get(ctx, "main", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := s.History(ctx, "main", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)

	history, err = s.History(ctx, "main", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, second.ID, history[0].ID)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "revisions.aof")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	storeContract(t, s)
	require.NoError(t, s.Close())
}

func TestFileStoreLazySync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revisions.aof")
	ctx := context.Background()

	s, err := OpenFileStore(path, WithSyncInterval(10*time.Millisecond))
	require.NoError(t, err)
	rev, err := s.Append(ctx, "main", "component a", sampleDoc("A"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.lazy.Dirty() }, time.Second, 5*time.Millisecond)

	_, err = s.Append(ctx, "main", "component b", sampleDoc("B"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()
	history, err := s.History(ctx, "main", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, rev.ID, history[1].ID)
}

func TestFileStoreReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revisions.aof")
	ctx := context.Background()

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	rev, err := s.Append(ctx, "main", "component a", sampleDoc("A"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenFileStore(path)
	require.NoError(t, err)
	latest, err := s.Latest(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, rev, latest)

	// Appends after a replay land after the replayed frames.
	next, err := s.Append(ctx, "main", "component b", sampleDoc("B"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()
	history, err := s.History(ctx, "main", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, next.ID, history[0].ID)
}

func TestFileStoreDropsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revisions.aof")
	ctx := context.Background()

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	rev, err := s.Append(ctx, "main", "component a", sampleDoc("A"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	goodSize := info.Size()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
	require.NoError(t, err)
	_, err = f.Write([]byte{MagicByte, OpCodeRevision, 0xFF, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenFileStore(path)
	require.NoError(t, err)
	latest, err := s.Latest(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, rev.ID, latest.ID)
	require.NoError(t, s.Close())

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, goodSize, info.Size())
}

// shortWriter lets limit bytes reach the log file and then fails.
type shortWriter struct {
	aof   *AOFWriter
	limit int
}

var errDiskFull = errors.New("no space left on device")

func (w *shortWriter) Write(p []byte) (int, error) {
	n := min(len(p), w.limit)
	w.limit -= n
	if _, err := w.aof.Write(p[:n]); err != nil {
		return 0, err
	}
	if err := w.aof.Flush(); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, errDiskFull
	}
	return n, nil
}

func TestFileStoreFailedAppendLeavesNoFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revisions.aof")
	ctx := context.Background()

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	rev, err := s.Append(ctx, "main", "component a", sampleDoc("A"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	goodSize := info.Size()

	s.fw = NewFrameWriter(&shortWriter{aof: s.aof, limit: 8})
	_, err = s.Append(ctx, "main", "component b", sampleDoc("B"))
	require.ErrorIs(t, err, errDiskFull)

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, goodSize, info.Size(), "partial frame is cut")

	// The store keeps working after the failure.
	s.fw = NewFrameWriter(s.aof)
	next, err := s.Append(ctx, "main", "component c", sampleDoc("C"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()
	history, err := s.History(ctx, "main", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, next.ID, history[0].ID)
	assert.Equal(t, rev.ID, history[1].ID)
}

func TestFileStoreRejectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revisions.aof")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a revision log"), 0666))

	_, err := OpenFileStore(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidMagic))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("GRAPHSYNC_REDIS_ADDR")
	if addr == "" {
		t.Skip("GRAPHSYNC_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := OpenRedisStore(ctx, RedisOptions{Addr: addr, Prefix: "graphsync-test:" + ulid.Make().String() + ":"})
	require.NoError(t, err)
	defer s.Close()
	storeContract(t, s)
}
