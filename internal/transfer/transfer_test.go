package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendStreamChunksInBlockSizePieces(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "f.bin")
	content := make([]byte, BlockSize*2+123)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(abs, content, 0o644))

	s, err := NewSendStream(abs, "f.bin", uint64(len(content)), 42)
	require.NoError(t, err)
	defer s.Close()

	var got []byte
	var blocks int
	for !s.Done() {
		b, err := s.NextBlock()
		require.NoError(t, err)
		got = append(got, b...)
		blocks++
	}
	assert.Equal(t, content, got)
	assert.Equal(t, 3, blocks)
	assert.EqualValues(t, len(content), s.Sent)
}

func TestRecvStreamCompletesWithRename(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "dest.txt")
	require.NoError(t, os.WriteFile(final, []byte("stale"), 0o644))

	r, err := NewRecvStream(final, 5)
	require.NoError(t, err)
	require.NoError(t, r.Write([]byte("hello")))
	assert.True(t, r.Done())

	require.NoError(t, r.Complete(1000))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	_, err = os.Stat(final + ".downtemp")
	assert.True(t, os.IsNotExist(err))
}

func TestRecvStreamAbortLeavesTempFile(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "dest.txt")
	r, err := NewRecvStream(final, 100)
	require.NoError(t, err)
	require.NoError(t, r.Write([]byte("partial")))
	require.NoError(t, r.Abort())

	_, err = os.Stat(final + ".downtemp")
	assert.NoError(t, err)
	_, err = os.Stat(final)
	assert.True(t, os.IsNotExist(err))
}

func TestConnectionContextSendQueueFIFO(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("y"), 0o644))

	sa, err := NewSendStream(a, "a", 1, 1)
	require.NoError(t, err)
	sb, err := NewSendStream(b, "b", 1, 1)
	require.NoError(t, err)

	cc := NewConnectionContext(7)
	cc.Enqueue(sa)
	cc.Enqueue(sb)
	assert.Equal(t, 2, cc.QueueLen())
	assert.Same(t, sa, cc.Head())

	_, _ = sa.NextBlock()
	cc.Advance()
	assert.Equal(t, 1, cc.QueueLen())
	assert.Same(t, sb, cc.Head())
}

func TestConnectionContextRejectsConcurrentRecv(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "dest.txt")
	cc := NewConnectionContext(1)

	_, err := cc.BeginRecv(final, 10)
	require.NoError(t, err)

	_, err = cc.BeginRecv(final, 10)
	assert.ErrorIs(t, err, ErrRecvInProgress)

	cc.EndRecv(final)
	rs, err := cc.BeginRecv(final, 10)
	require.NoError(t, err)
	assert.NotNil(t, rs)
}

func TestConnectionContextAbortClearsState(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))
	sa, err := NewSendStream(a, "a", 1, 1)
	require.NoError(t, err)

	cc := NewConnectionContext(1)
	cc.Enqueue(sa)
	_, err = cc.BeginRecv(filepath.Join(dir, "dest.txt"), 10)
	require.NoError(t, err)

	cc.Abort()
	assert.Equal(t, 0, cc.QueueLen())
	_, ok := cc.RecvFor(filepath.Join(dir, "dest.txt"))
	assert.False(t, ok)
}
