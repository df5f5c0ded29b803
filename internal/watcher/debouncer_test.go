package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/indexkeeper/internal/logging"
)

func newTestDebouncer(window time.Duration) *Debouncer {
	return NewDebouncer(window, logging.Discard())
}

func receive(t *testing.T, d *Debouncer) []FileEvent {
	t.Helper()
	select {
	case events := <-d.Output():
		return events
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for debounced events")
		return nil
	}
}

func TestDebouncer_SingleEvent_PassesThrough(t *testing.T) {
	// Given: a debouncer with short window
	d := newTestDebouncer(20 * time.Millisecond)
	defer d.Stop()

	// When: a single event is added
	d.Add(FileEvent{Path: "a.json", Operation: OpCreate})

	// Then: the event passes through after the window
	events := receive(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, "a.json", events[0].Path)
	assert.Equal(t, OpCreate, events[0].Operation)
}

func TestDebouncer_Coalescing(t *testing.T) {
	tests := []struct {
		name string
		ops  []Operation
		want []Operation
	}{
		{"modify burst", []Operation{OpModify, OpModify, OpModify}, []Operation{OpModify}},
		{"create then modify", []Operation{OpCreate, OpModify}, []Operation{OpCreate}},
		{"modify then delete", []Operation{OpModify, OpDelete}, []Operation{OpDelete}},
		{"delete then create", []Operation{OpDelete, OpCreate}, []Operation{OpModify}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDebouncer(30 * time.Millisecond)
			defer d.Stop()

			for _, op := range tt.ops {
				d.Add(FileEvent{Path: "doc.json", Operation: op})
			}

			events := receive(t, d)
			got := make([]Operation, len(events))
			for i, e := range events {
				got[i] = e.Operation
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDebouncer_CreateThenDelete_NoEvent(t *testing.T) {
	d := newTestDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "tmp.json", Operation: OpCreate})
	d.Add(FileEvent{Path: "tmp.json", Operation: OpDelete})

	select {
	case events := <-d.Output():
		t.Fatalf("expected no events, got %v", events)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebouncer_KeepsFirstSeenOrder(t *testing.T) {
	d := newTestDebouncer(20 * time.Millisecond)
	defer d.Stop()

	for _, p := range []string{"c.json", "a.json", "b.json", "a.json"} {
		d.Add(FileEvent{Path: p, Operation: OpModify})
	}

	events := receive(t, d)
	paths := make([]string, len(events))
	for i, e := range events {
		paths[i] = e.Path
	}
	assert.Equal(t, []string{"c.json", "a.json", "b.json"}, paths)
}

func TestDebouncer_CancelledThenReAdded_EmittedOnce(t *testing.T) {
	d := newTestDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "x.json", Operation: OpCreate})
	d.Add(FileEvent{Path: "x.json", Operation: OpDelete})
	d.Add(FileEvent{Path: "x.json", Operation: OpCreate})

	events := receive(t, d)
	require.Len(t, events, 1)
	assert.Equal(t, OpCreate, events[0].Operation)
}

func TestDebouncer_Stop_ClosesOutput(t *testing.T) {
	d := newTestDebouncer(20 * time.Millisecond)

	d.Stop()
	d.Stop()

	_, ok := <-d.Output()
	assert.False(t, ok)
}
