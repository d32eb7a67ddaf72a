package sheetmirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
)

const defaultPendingCapacity = 1024

// PendingOperation is the remote write a pending item replays.
type PendingOperation string

const (
	PendingSave   PendingOperation = "save"
	PendingUpdate PendingOperation = "update"
	PendingDelete PendingOperation = "delete"
)

// PendingSubmission is a local write whose remote counterpart has not
// succeeded yet. For updates Submission.Data holds only the changed fields;
// deletes carry just the id.
type PendingSubmission struct {
	Operation  PendingOperation `json:"operation,omitempty"`
	Submission Submission       `json:"submission"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"lastError,omitempty"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
}

// Op defaults to PendingSave for items queued before operations existed.
func (p PendingSubmission) Op() PendingOperation {
	if p.Operation == "" {
		return PendingSave
	}
	return p.Operation
}

func (p PendingSubmission) key() string {
	return string(p.Op()) + ":" + p.Submission.ID
}

type PendingQueue interface {
	TryEnqueue(item PendingSubmission) bool
	Enqueue(ctx context.Context, item PendingSubmission) bool
	Dequeue(ctx context.Context) (PendingSubmission, bool)
	Depth() int
	Capacity() int
	Snapshot() []PendingSubmission
	Close() error
}

type inMemoryPendingQueue struct {
	ch    chan PendingSubmission
	mu    sync.Mutex
	items map[string]PendingSubmission
}

func NewInMemoryPendingQueue(capacity int) PendingQueue {
	if capacity <= 0 {
		capacity = defaultPendingCapacity
	}
	return &inMemoryPendingQueue{
		ch:    make(chan PendingSubmission, capacity),
		items: map[string]PendingSubmission{},
	}
}

func (q *inMemoryPendingQueue) TryEnqueue(item PendingSubmission) bool {
	if item.Submission.ID == "" {
		return false
	}
	select {
	case q.ch <- item:
		q.mu.Lock()
		q.items[item.key()] = item
		q.mu.Unlock()
		return true
	default:
		return false
	}
}

func (q *inMemoryPendingQueue) Enqueue(ctx context.Context, item PendingSubmission) bool {
	if item.Submission.ID == "" {
		return false
	}
	select {
	case q.ch <- item:
		q.mu.Lock()
		q.items[item.key()] = item
		q.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryPendingQueue) Dequeue(ctx context.Context) (PendingSubmission, bool) {
	select {
	case item := <-q.ch:
		q.mu.Lock()
		delete(q.items, item.key())
		q.mu.Unlock()
		return item, true
	case <-ctx.Done():
		return PendingSubmission{}, false
	}
}

func (q *inMemoryPendingQueue) Depth() int {
	return len(q.ch)
}

func (q *inMemoryPendingQueue) Capacity() int {
	return cap(q.ch)
}

func (q *inMemoryPendingQueue) Snapshot() []PendingSubmission {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingSubmission, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item)
	}
	return out
}

func (q *inMemoryPendingQueue) Close() error {
	return nil
}

// filePendingQueue survives restarts by rewriting its JSON file on every
// change.
type filePendingQueue struct {
	fsys         hackpadfs.FS
	name         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []PendingSubmission
}

type filePendingQueueState struct {
	Items []PendingSubmission `json:"items"`
}

// NewFilePendingQueue keeps the queue at an operating system path.
func NewFilePendingQueue(filePath string, capacity int) (PendingQueue, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return nil, ErrInvalidInput
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}
	return NewFilePendingQueueFS(osfs.NewFS(), strings.TrimPrefix(filepath.ToSlash(abs), "/"), capacity)
}

func NewFilePendingQueueFS(fsys hackpadfs.FS, name string, capacity int) (PendingQueue, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if fsys == nil || name == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultPendingCapacity
	}
	q := &filePendingQueue{
		fsys:         fsys,
		name:         name,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []PendingSubmission{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *filePendingQueue) TryEnqueue(item PendingSubmission) bool {
	if item.Submission.ID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, item)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *filePendingQueue) Enqueue(ctx context.Context, item PendingSubmission) bool {
	for {
		if q.TryEnqueue(item) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *filePendingQueue) Dequeue(ctx context.Context) (PendingSubmission, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]PendingSubmission{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return PendingSubmission{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return PendingSubmission{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *filePendingQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *filePendingQueue) Capacity() int {
	return q.capacity
}

func (q *filePendingQueue) Snapshot() []PendingSubmission {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingSubmission(nil), q.items...)
}

func (q *filePendingQueue) Close() error {
	return nil
}

func (q *filePendingQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := hackpadfs.ReadFile(q.fsys, q.name)
	if err != nil {
		if errors.Is(err, hackpadfs.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot filePendingQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]PendingSubmission(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]PendingSubmission(nil), snapshot.Items...)
	return nil
}

func (q *filePendingQueue) saveLocked() error {
	data, err := json.Marshal(filePendingQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if dir := path.Dir(q.name); dir != "." {
		if err := hackpadfs.MkdirAll(q.fsys, dir, 0o755); err != nil {
			return err
		}
	}
	tmp := q.name + ".tmp"
	if err := hackpadfs.WriteFullFile(q.fsys, tmp, data, 0o644); err != nil {
		return err
	}
	return hackpadfs.Rename(q.fsys, tmp, q.name)
}

// BuildPendingQueueFromDSN accepts file paths, file:// and memory:// DSNs. An
// empty DSN yields an in-memory queue.
func BuildPendingQueueFromDSN(dsn string, capacity int) (PendingQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryPendingQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	switch scheme {
	case "", "file":
		p, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFilePendingQueue(p, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryPendingQueue(capacity), nil
	case "postgres", "postgresql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: pending queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported pending queue scheme: %s", scheme)
	}
}
