package beads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBD installs a fake bd executable on PATH for the duration of the
// test. The script body runs with the invocation's arguments in "$@".
func stubBD(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bd"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestCLIStoreGet(t *testing.T) {
	stubBD(t, `echo '{"id":"bd-7","title":"Fix flaky upload","status":"ready","issue_type":"task"}'`)
	s := NewCLIStore(t.TempDir(), time.Second)

	it, err := s.Get(context.Background(), "bd-7")
	require.NoError(t, err)
	assert.Equal(t, "bd-7", it.ID)
	assert.Equal(t, "Fix flaky upload", it.Title)
	assert.Equal(t, StatusReady, it.Status)
}

func TestCLIStoreGetArrayResult(t *testing.T) {
	stubBD(t, `echo '[{"id":"bd-7","title":"Fix flaky upload","status":"open"}]'`)
	s := NewCLIStore(t.TempDir(), time.Second)

	it, err := s.Get(context.Background(), "bd-7")
	require.NoError(t, err)
	assert.Equal(t, "bd-7", it.ID)
	assert.Equal(t, StatusOpen, it.Status)
}

func TestCLIStoreGetNotFound(t *testing.T) {
	stubBD(t, `echo "error: issue bd-404 not found" >&2; exit 1`)
	s := NewCLIStore(t.TempDir(), time.Second)

	_, err := s.Get(context.Background(), "bd-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCLIStoreChildren(t *testing.T) {
	stubBD(t, `echo '[{"id":"bd-2","status":"closed"},{"id":"bd-3","status":"ready"}]'`)
	s := NewCLIStore(t.TempDir(), time.Second)

	items, err := s.Children(context.Background(), "bd-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "bd-2", items[0].ID)
	assert.Equal(t, "bd-3", items[1].ID)
}

func TestCLIStoreChildrenEmpty(t *testing.T) {
	stubBD(t, `echo '[]'`)
	s := NewCLIStore(t.TempDir(), time.Second)

	items, err := s.Children(context.Background(), "bd-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCLIStoreUpdateStatus(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	stubBD(t, fmt.Sprintf(`echo "$@" > %q`, argsFile))
	s := NewCLIStore(t.TempDir(), time.Second)

	require.NoError(t, s.UpdateStatus(context.Background(), "bd-7", StatusInProgress))

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "update bd-7 --status in_progress", strings.TrimSpace(string(raw)))
}

func TestCLIStoreUpdateStatusRejected(t *testing.T) {
	stubBD(t, `echo "error: invalid transition closed -> open" >&2; exit 1`)
	s := NewCLIStore(t.TempDir(), time.Second)

	err := s.UpdateStatus(context.Background(), "bd-7", StatusOpen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")
}
