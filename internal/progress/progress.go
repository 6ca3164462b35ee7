// Package progress streams long-running operation updates to clients over
// server-sent events. A producer publishes into a stream, a single consumer
// drains it; done and error are terminal.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/puzpuzpuz/xsync/v4"
)

// Stages of a tracked operation.
const (
	StageInit       = "init"
	StageFetching   = "fetching"
	StageProcessing = "processing"
	StageSaving     = "saving"
	StageDone       = "done"
	StageError      = "error"
)

var ErrStreamExists = errors.New("progress stream already open")

// Event is one progress update.
type Event struct {
	Stage   string `json:"stage"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

func (e Event) terminal() bool { return e.Stage == StageDone || e.Stage == StageError }

// Stream carries events from one producer to one consumer. The producer must
// finish with a done or error event; the stream then closes itself.
type Stream struct {
	id       string
	events   chan Event
	consumer <-chan struct{} // closed when the consumer went away
	registry *Registry
}

// Publish sends an event. Returns false when the consumer is gone, which
// tells the producer to stop working. Terminal events close the stream.
func (s *Stream) Publish(e Event) bool {
	select {
	case <-s.consumer:
		s.registry.remove(s.id)
		return false
	case s.events <- e:
	}
	if e.terminal() {
		close(s.events)
		s.registry.remove(s.id)
	}
	return true
}

// Fail publishes a terminal error event.
func (s *Stream) Fail(err error) {
	s.Publish(Event{Stage: StageError, Message: err.Error()})
}

// Registry tracks open streams by operation id.
type Registry struct {
	streams *xsync.Map[string, *Stream]
}

func NewRegistry() *Registry {
	return &Registry{streams: xsync.NewMap[string, *Stream]()}
}

// Open creates the stream for an operation id. The consumer channel is closed
// by the transport when the client disconnects. One stream per id.
func (r *Registry) Open(id string, consumerGone <-chan struct{}) (*Stream, error) {
	s := &Stream{
		id:       id,
		events:   make(chan Event, 16),
		consumer: consumerGone,
		registry: r,
	}
	if _, loaded := r.streams.LoadOrStore(id, s); loaded {
		return nil, ErrStreamExists
	}
	return s, nil
}

func (r *Registry) remove(id string) { r.streams.Delete(id) }

// Active reports whether an operation id has an open stream.
func (r *Registry) Active(id string) bool {
	_, ok := r.streams.Load(id)
	return ok
}

// ServeSSE drains the stream into w as server-sent events until a terminal
// event arrives or the client disconnects.
func ServeSSE(w http.ResponseWriter, req *http.Request, s *Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case e, open := <-s.events:
			if !open {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if e.terminal() {
				return
			}
		}
	}
}
