package sheetmirror

import (
	"sync"
	"time"
)

const (
	EventSheetCreated  = "sheet.created"
	EventRowAppended   = "row.appended"
	EventRowModified   = "row.modified"
	EventRowDeleted    = "row.deleted"
	EventFormSaved     = "form.saved"
	EventQASaved       = "qa.saved"
	EventStateReloaded = "state.reloaded"
	EventSyncCompleted = "sync.completed"
)

// Event describes one change to the mirror. Subscribers receive them in
// order; slow subscribers drop events instead of blocking the store.
type Event struct {
	Type      string    `json:"type"`
	Sheet     string    `json:"sheet,omitempty"`
	RowID     string    `json:"rowId,omitempty"`
	Persisted string    `json:"persisted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[int]chan Event{}}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *eventHub) publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
