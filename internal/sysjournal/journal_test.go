package sysjournal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	id      uint32
	entries [][]byte
	resets  int
}

func (f *fakeListener) ListenerID() uint32 { return f.id }

func (f *fakeListener) JournalReplay(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.entries = append(f.entries, cp)
	return nil
}

func (f *fakeListener) JournalReset() error {
	f.resets++
	f.entries = nil
	return nil
}

func TestAppendAndPlayback(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	l := &fakeListener{id: 7}
	j.RegisterListener(l)

	require.NoError(t, j.Append(7, []byte("a")))
	require.NoError(t, j.Append(7, []byte("b")))
	require.NoError(t, j.Append(7, []byte("c")))

	l2 := &fakeListener{id: 7}
	j2, err := Open(dir)
	require.NoError(t, err)
	j2.RegisterListener(l2)
	require.NoError(t, j2.Playback(false))

	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, l2.entries)
}

func TestPlaybackToleratesMissingListener(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(99, []byte("orphan")))
	require.NoError(t, j.Playback(false))

	err = j.Playback(true)
	require.Error(t, err)
}

func TestDiscardMarkerResetsListener(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	l := &fakeListener{id: 3}
	j.RegisterListener(l)

	require.NoError(t, j.Append(3, []byte("x")))
	require.NoError(t, j.MarkDiscarded(3))
	require.NoError(t, j.Append(3, []byte("y")))

	l2 := &fakeListener{id: 3}
	j2, err := Open(dir)
	require.NoError(t, err)
	j2.RegisterListener(l2)
	require.NoError(t, j2.Playback(false))

	require.Equal(t, 1, l2.resets)
	require.Equal(t, [][]byte{[]byte("y")}, l2.entries)
}

func TestFilterDropsDiscardedListeners(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, j.Append(1, []byte("keep-1")))
	require.NoError(t, j.Append(2, []byte("drop-2")))
	require.NoError(t, j.Append(1, []byte("keep-2")))
	require.NoError(t, j.MarkDiscarded(2))

	seqBefore := j.Sequence()
	require.NoError(t, j.Filter())
	require.Equal(t, seqBefore+1, j.Sequence())

	l1 := &fakeListener{id: 1}
	l2 := &fakeListener{id: 2}
	j2, err := Open(dir)
	require.NoError(t, err)
	j2.RegisterListener(l1)
	j2.RegisterListener(l2)
	require.NoError(t, j2.Playback(true))

	require.Equal(t, [][]byte{[]byte("keep-1"), []byte("keep-2")}, l1.entries)
	require.Nil(t, l2.entries)

	require.NoFileExists(t, filepath.Join(dir, "sys_journal."+itoa(seqBefore)+".data"))
}
