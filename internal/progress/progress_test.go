package progress

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPublishAndDrain(t *testing.T) {
	r := NewRegistry()
	gone := make(chan struct{})
	s, err := r.Open("op1", gone)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Active("op1") {
		t.Error("stream not registered")
	}

	if !s.Publish(Event{Stage: StageFetching, Current: 1, Total: 3}) {
		t.Fatal("publish refused")
	}
	if !s.Publish(Event{Stage: StageDone, Current: 3, Total: 3}) {
		t.Fatal("terminal publish refused")
	}

	var got []Event
	for e := range s.events {
		got = append(got, e)
	}
	if len(got) != 2 || got[1].Stage != StageDone {
		t.Errorf("events = %+v", got)
	}
	if r.Active("op1") {
		t.Error("stream still registered after done")
	}
}

func TestOpenDuplicateID(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Open("op1", make(chan struct{})); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open("op1", make(chan struct{})); !errors.Is(err, ErrStreamExists) {
		t.Errorf("err = %v", err)
	}
}

func TestPublishStopsWhenConsumerGone(t *testing.T) {
	r := NewRegistry()
	gone := make(chan struct{})
	s, err := r.Open("op1", gone)
	if err != nil {
		t.Fatal(err)
	}

	// Fill the buffer, then drop the consumer; the next publish must
	// return false instead of blocking forever.
	for i := 0; i < cap(s.events); i++ {
		if !s.Publish(Event{Stage: StageProcessing, Current: i}) {
			t.Fatalf("publish %d refused with live consumer", i)
		}
	}
	close(gone)

	done := make(chan bool, 1)
	go func() { done <- s.Publish(Event{Stage: StageProcessing}) }()
	select {
	case ok := <-done:
		if ok {
			t.Error("publish succeeded after consumer left")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after consumer left")
	}
	if r.Active("op1") {
		t.Error("abandoned stream still registered")
	}
}

func TestServeSSE(t *testing.T) {
	r := NewRegistry()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gone := req.Context().Done()
		s, err := r.Open("op1", gone)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		go func() {
			s.Publish(Event{Stage: StageInit, Total: 2})
			s.Publish(Event{Stage: StageProcessing, Current: 1, Total: 2})
			s.Publish(Event{Stage: StageDone, Current: 2, Total: 2, Message: "all done"})
		}()
		ServeSSE(w, req, s)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var events []Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, e)
	}
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	last := events[len(events)-1]
	if last.Stage != StageDone || last.Message != "all done" {
		t.Errorf("last = %+v", last)
	}
}
