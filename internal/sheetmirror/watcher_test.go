package sheetmirror

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func countReloads(events <-chan Event, quiet time.Duration) int {
	reloads := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == EventStateReloaded {
				reloads++
			}
		case <-time.After(quiet):
			return reloads
		}
	}
}

func TestStateWatcherReloadsExternalWrites(t *testing.T) {
	defer goleak.VerifyNone(t)
	path := filepath.Join(t.TempDir(), "state.json")

	store := NewStoreWithOptions(StoreOptions{StateFile: path, NewID: counterIDs(100000)})
	defer store.Close()
	_, err := store.CreateSheetForSchema(Schema{Title: "Local"})
	require.NoError(t, err)

	watcher, err := WatchStateFile(store, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Close()

	events, cancel := store.Subscribe(32)
	defer cancel()

	_, err = store.AppendSubmission(Submission{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, countReloads(events, 150*time.Millisecond), "own writes must not reload")

	other := NewJSONFileStateBackend(path)
	require.NoError(t, other.Save(&persistedState{
		AllSheets:   `{"Remote_777777_20240101":[{"ID":"888888","Sheet_ID":"777777"}]}`,
		ActiveSheet: "Remote_777777_20240101",
	}))

	require.Eventually(t, func() bool {
		return store.ActiveSheet() == "Remote_777777_20240101"
	}, 2*time.Second, 10*time.Millisecond)
	_, _, ok := store.FindRow("888888")
	assert.True(t, ok)
}

func TestWatchStateFileNeedsHostFile(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{StateBackend: NewInMemoryStateBackend()})
	defer store.Close()
	_, err := WatchStateFile(store, 0, nil)
	require.Error(t, err)

	_, err = WatchStateFile(nil, 0, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}
