package commitlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/fabricgo/model"
)

func TestAppendReplay(t *testing.T) {
	dir := t.TempDir()

	l, err := New(dir)
	require.NoError(t, err)

	entries := []Entry{
		{Type: OpCreate, ID: 1, ParentID: 0, Version: 1},
		{Type: OpCreate, ID: 2, ParentID: 1, Version: 1},
		{Type: OpUpdate, ID: 1, Version: 2, Children: []model.ContainerID{2}},
		{Type: OpDelete, ID: 2, Version: 2},
	}
	for _, e := range entries {
		_, err := l.Append(e)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l, err = New(dir)
	require.NoError(t, err)
	defer l.Close()

	var got []Entry
	require.NoError(t, l.Replay(func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, len(entries))
	for i, e := range got {
		require.Equal(t, entries[i].Type, e.Type)
		require.Equal(t, entries[i].ID, e.ID)
		require.Equal(t, entries[i].Version, e.Version)
		require.Equal(t, entries[i].Children, e.Children)
		require.Equal(t, uint64(i+1), e.SeqNum)
	}

	// Sequence numbering resumes after reopen.
	seq, err := l.Append(Entry{Type: OpCheckpoint})
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)
}

func TestCompressedEntries(t *testing.T) {
	l, err := New(t.TempDir(), func(o *Options) {
		o.Compress = true
	})
	require.NoError(t, err)
	defer l.Close()

	children := make([]model.ContainerID, 512)
	for i := range children {
		children[i] = model.ContainerID(i + 2)
	}
	_, err = l.Append(Entry{Type: OpUpdate, ID: 1, Version: 2, Children: children})
	require.NoError(t, err)

	var got Entry
	require.NoError(t, l.Replay(func(e Entry) error {
		got = e
		return nil
	}))
	require.Equal(t, children, got.Children)
}

func TestTornTailIgnored(t *testing.T) {
	dir := t.TempDir()

	l, err := New(dir)
	require.NoError(t, err)
	_, err = l.Append(Entry{Type: OpCreate, ID: 1, Version: 1})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Simulate a torn write: append half a frame header.
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x10, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = New(dir)
	require.NoError(t, err)
	defer l.Close()

	n, err := l.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTruncateAfterCheckpoint(t *testing.T) {
	l, err := New(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		_, err := l.Append(Entry{Type: OpCreate, ID: model.ContainerID(i + 1), Version: 1})
		require.NoError(t, err)
	}
	require.NoError(t, l.Truncate())

	n, err := l.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}
