package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// EventType tags an Event.
type EventType int

const (
	EventTextDelta EventType = iota
	EventToolCallDelta
	EventToolCallComplete
	EventDone
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventToolCallComplete:
		return "tool_call_complete"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one element of a streamed response. Which fields are set
// depends on Type.
type Event struct {
	Type EventType

	// EventTextDelta
	Text string

	// EventToolCallDelta and EventToolCallComplete
	Index        int
	ToolCallID   string
	ToolName     string
	ArgsFragment string
	ToolCall     store.ToolCall

	// EventDone
	FinishReason string

	// EventError; always a *ProviderError
	Err error
}

// EventStream is a lazily produced sequence of events. It ends with exactly
// one Done or Error event unless the consumer closes it first.
type EventStream struct {
	events chan Event
	gone   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

// errStreamEnded is reported when a producer returns without a final event.
var errStreamEnded = errors.New("stream ended without a final event")

func isFinal(ev Event) bool { return ev.Type == EventDone || ev.Type == EventError }

// newEventStream starts produce in a goroutine. produce sends through emit,
// which reports false once the consumer has gone away or ctx is done. The
// final Done or Error event is still delivered after ctx is done; when
// produce returns without one, an Error built from ctx is sent for it.
func newEventStream(ctx context.Context, cancel context.CancelFunc, providerName string, produce func(ctx context.Context, emit func(Event) bool)) *EventStream {
	s := &EventStream{events: make(chan Event), gone: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(s.events)
		defer cancel()
		ended := false
		deliver := func(ev Event) bool {
			if ended {
				return false
			}
			if isFinal(ev) {
				ended = true
				select {
				case s.events <- ev:
					return true
				case <-s.gone:
					return false
				}
			}
			select {
			case s.events <- ev:
				return true
			case <-ctx.Done():
				return false
			case <-s.gone:
				return false
			}
		}
		produce(ctx, deliver)
		if !ended {
			err := ctx.Err()
			if err == nil {
				err = errStreamEnded
			}
			deliver(Event{Type: EventError, Err: classify(providerName, 0, err)})
		}
	}()
	return s
}

// NewStream returns a stream that yields events in order.
func NewStream(events ...Event) *EventStream {
	ctx, cancel := context.WithCancel(context.Background())
	return newEventStream(ctx, cancel, "", func(ctx context.Context, emit func(Event) bool) {
		for _, ev := range events {
			if !emit(ev) {
				return
			}
		}
	})
}

// Next returns the next event; ok is false after the stream has ended.
func (s *EventStream) Next() (Event, bool) {
	ev, ok := <-s.events
	return ev, ok
}

// Close abandons the stream and releases the underlying request.
func (s *EventStream) Close() {
	s.once.Do(func() {
		close(s.gone)
		s.cancel()
		for range s.events {
		}
	})
}

// Response is a fully collected stream.
type Response struct {
	Text         string
	ToolCalls    []store.ToolCall
	FinishReason string
}

// Collect drains s into a Response. onText, when set, observes every text
// delta as it arrives. The returned error is the stream's *ProviderError.
func Collect(s *EventStream, onText func(string)) (Response, error) {
	defer s.Close()
	var resp Response
	var text strings.Builder
	for {
		ev, ok := s.Next()
		if !ok {
			resp.Text = text.String()
			return resp, nil
		}
		switch ev.Type {
		case EventTextDelta:
			text.WriteString(ev.Text)
			if onText != nil {
				onText(ev.Text)
			}
		case EventToolCallComplete:
			resp.ToolCalls = append(resp.ToolCalls, ev.ToolCall)
		case EventDone:
			resp.FinishReason = ev.FinishReason
		case EventError:
			resp.Text = text.String()
			return resp, ev.Err
		}
	}
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
	done bool
}

// toolAssembler buffers argument fragments per tool-call index.
type toolAssembler struct {
	provider string
	calls    map[int]*partialCall
}

func newToolAssembler(provider string) *toolAssembler {
	return &toolAssembler{provider: provider, calls: make(map[int]*partialCall)}
}

// add records a fragment and returns the matching delta event.
func (a *toolAssembler) add(index int, id, name, fragment string) Event {
	pc := a.calls[index]
	if pc == nil {
		pc = &partialCall{}
		a.calls[index] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.args.WriteString(fragment)
	return Event{Type: EventToolCallDelta, Index: index, ToolCallID: pc.id, ToolName: pc.name, ArgsFragment: fragment}
}

// complete finalizes one index. Arguments must parse as JSON; empty
// arguments become {}.
func (a *toolAssembler) complete(index int) (Event, bool) {
	pc := a.calls[index]
	if pc == nil || pc.done {
		return Event{}, false
	}
	pc.done = true

	raw := strings.TrimSpace(pc.args.String())
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		return Event{Type: EventError, Err: &ProviderError{
			Provider:  a.provider,
			Kind:      ErrKindMalformed,
			Retryable: true,
			Err:       fmt.Errorf("tool call %q (index %d) has malformed arguments", pc.name, index),
		}}, true
	}
	if pc.name == "" {
		return Event{Type: EventError, Err: &ProviderError{
			Provider:  a.provider,
			Kind:      ErrKindMalformed,
			Retryable: true,
			Err:       fmt.Errorf("tool call at index %d has no name", index),
		}}, true
	}
	if pc.id == "" {
		pc.id = "call_" + uuid.NewString()
	}
	return Event{
		Type:     EventToolCallComplete,
		Index:    index,
		ToolCall: store.ToolCall{ID: pc.id, Name: pc.name, Arguments: json.RawMessage(raw)},
	}, true
}

// completeAll finalizes every pending index in index order.
func (a *toolAssembler) completeAll() []Event {
	idx := make([]int, 0, len(a.calls))
	for i, pc := range a.calls {
		if !pc.done {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		if ev, ok := a.complete(i); ok {
			out = append(out, ev)
		}
	}
	return out
}
