package sheetmirror

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingItem(id string) PendingSubmission {
	return PendingSubmission{
		Submission: Submission{ID: id, FormTitle: "Contact", Data: FieldValues{"name": id}},
		Attempts:   1,
		LastError:  "remote down",
		EnqueuedAt: testNow,
	}
}

func TestInMemoryPendingQueueCapacity(t *testing.T) {
	q := NewInMemoryPendingQueue(2)
	assert.Equal(t, 2, q.Capacity())
	assert.True(t, q.TryEnqueue(pendingItem("000001")))
	assert.True(t, q.TryEnqueue(pendingItem("000002")))
	assert.False(t, q.TryEnqueue(pendingItem("000003")))
	assert.False(t, q.TryEnqueue(PendingSubmission{}), "items without an id are rejected")
	assert.Equal(t, 2, q.Depth())
	assert.Len(t, q.Snapshot(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "000001", item.Submission.ID)
	assert.Equal(t, 1, q.Depth())
}

func TestPendingQueueKeepsOperationsPerRowApart(t *testing.T) {
	q := NewInMemoryPendingQueue(4)
	save := pendingItem("000001")
	update := pendingItem("000001")
	update.Operation = PendingUpdate
	require.True(t, q.TryEnqueue(save))
	require.True(t, q.TryEnqueue(update))
	assert.Len(t, q.Snapshot(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, PendingSave, first.Op())
	require.Len(t, q.Snapshot(), 1)
	assert.Equal(t, PendingUpdate, q.Snapshot()[0].Op())
}

func TestInMemoryPendingQueueDequeueHonorsContext(t *testing.T) {
	q := NewInMemoryPendingQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestFilePendingQueueSurvivesRestart(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)

	q, err := NewFilePendingQueueFS(fsys, "queue/pending.json", 3)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.True(t, q.TryEnqueue(pendingItem(fmt.Sprintf("%06d", i))))
	}
	assert.False(t, q.TryEnqueue(pendingItem("000004")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "000001", first.Submission.ID)

	reopened, err := NewFilePendingQueueFS(fsys, "queue/pending.json", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Depth())
	snapshot := reopened.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "000002", snapshot[0].Submission.ID)
	assert.Equal(t, "remote down", snapshot[0].LastError)
	assert.Equal(t, FieldValues{"name": "000002"}, snapshot[0].Submission.Data)
}

func TestFilePendingQueueTrimsToCapacityOnLoad(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	q, err := NewFilePendingQueueFS(fsys, "pending.json", 5)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		require.True(t, q.TryEnqueue(pendingItem(fmt.Sprintf("%06d", i))))
	}

	smaller, err := NewFilePendingQueueFS(fsys, "pending.json", 2)
	require.NoError(t, err)
	snapshot := smaller.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "000004", snapshot[0].Submission.ID)
	assert.Equal(t, "000005", snapshot[1].Submission.ID)
}

func TestFilePendingQueueDequeueWaitsForItems(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	q, err := NewFilePendingQueueFS(fsys, "pending.json", 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestBuildPendingQueueFromDSN(t *testing.T) {
	q, err := BuildPendingQueueFromDSN("", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, q.Capacity())

	q, err = BuildPendingQueueFromDSN("memory://", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultPendingCapacity, q.Capacity())

	path := filepath.Join(t.TempDir(), "pending.json")
	q, err = BuildPendingQueueFromDSN("file://"+path, 3)
	require.NoError(t, err)
	require.True(t, q.TryEnqueue(pendingItem("000009")))
	again, err := BuildPendingQueueFromDSN(path, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Depth())

	_, err = BuildPendingQueueFromDSN("redis://localhost:6379", 1)
	assert.True(t, errors.Is(err, ErrNotImplemented))
	_, err = BuildPendingQueueFromDSN("gopher://x", 1)
	require.Error(t, err)
}
