// Package eventsync pushes local calendar events to the backend once a
// session is authenticated.
package eventsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Event is a local calendar event in the backend's create format. Times are
// RFC 3339 strings.
type Event struct {
	SourceEventID string  `json:"source_event_id"`
	Title         string  `json:"title"`
	StartAt       string  `json:"start_at"`
	EndAt         string  `json:"end_at"`
	State         string  `json:"state"`
	EventType     *string `json:"event_type,omitempty"`
	Location      *string `json:"location,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	IsAllDay      *bool   `json:"is_all_day,omitempty"`
	Timezone      *string `json:"timezone,omitempty"`
}

// Start parses StartAt.
func (e Event) Start() (time.Time, error) {
	return time.Parse(time.RFC3339, e.StartAt)
}

// StoredEvent is an event as returned by the backend.
type StoredEvent struct {
	Event
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Source provides the local events starting in [from, to).
type Source interface {
	Events(ctx context.Context, from, to time.Time) ([]Event, error)
}

// StaticSource serves a fixed list.
type StaticSource []Event

func (s StaticSource) Events(_ context.Context, from, to time.Time) ([]Event, error) {
	return window(s, from, to)
}

// FileSource reads a JSON array of events from a file on every call.
// A missing file yields no events.
type FileSource struct {
	Path string
}

func (f FileSource) Events(ctx context.Context, from, to time.Time) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to parse events file %s: %w", f.Path, err)
	}
	return window(events, from, to)
}

// window keeps the events starting in [from, to), ordered by start.
func window(events []Event, from, to time.Time) ([]Event, error) {
	type dated struct {
		ev    Event
		start time.Time
	}

	kept := make([]dated, 0, len(events))
	for _, ev := range events {
		start, err := ev.Start()
		if err != nil {
			return nil, fmt.Errorf("event %q: invalid start_at: %w", ev.SourceEventID, err)
		}
		if start.Before(from) || !start.Before(to) {
			continue
		}
		kept = append(kept, dated{ev, start})
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].start.Before(kept[j].start) })

	out := make([]Event, len(kept))
	for i, d := range kept {
		out[i] = d.ev
	}
	return out, nil
}
