package sheetmirror

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

var testNow = time.Date(2024, 6, 11, 9, 30, 15, 0, time.UTC)

// counterIDs hands out 100000, 100001, ... so ids are predictable.
func counterIDs(start int) IDGenerator {
	var mu sync.Mutex
	next := start
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := fmt.Sprintf("%06d", next%1000000)
		next++
		return id
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func newTestStore(t *testing.T, backend StateBackend) *Store {
	t.Helper()
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	store := NewStoreWithOptions(StoreOptions{
		StateBackend: backend,
		Now:          func() time.Time { return testNow },
		NewID:        counterIDs(100000),
	})
	t.Cleanup(store.Close)
	return store
}

func emailSchema() Schema {
	return Schema{
		ID:    "form_contact",
		Title: "Contact Information",
		Fields: []Field{
			{ID: "email", Type: FieldEmail, Label: "Email Address", Required: true},
			{ID: "note", Type: FieldTextarea, Label: "Note"},
		},
	}
}
