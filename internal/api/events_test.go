package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-thread-engine/internal/core"
)

type fakeSubscriber struct {
	events      chan *core.ThreadEvent
	subscribed  core.Address
	unsubscribe bool
}

func (f *fakeSubscriber) SubscribeThread(addr core.Address) (<-chan *core.ThreadEvent, func(), error) {
	f.subscribed = addr
	return f.events, func() { f.unsubscribe = true }, nil
}

func (f *fakeSubscriber) SubscribeAll() (<-chan *core.ThreadEvent, func(), error) {
	return f.events, func() { f.unsubscribe = true }, nil
}

func TestEventsThread_StreamsUntilClosed(t *testing.T) {
	thread := core.ThreadAddress(core.Address{0xA1}, "t1")
	sub := &fakeSubscriber{events: make(chan *core.ThreadEvent, 2)}
	sub.events <- &core.ThreadEvent{ID: "e1", Type: core.EventThreadCranked, Thread: thread}
	close(sub.events)

	h := NewEventHandler(sub)
	req := httptest.NewRequest(http.MethodGet, "/ojs/v1/threads/"+thread.String()+"/events", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("address", thread.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()

	h.Thread(w, req)

	if sub.subscribed != thread {
		t.Errorf("subscribed to %s, want %s", sub.subscribed, thread)
	}
	if !sub.unsubscribe {
		t.Error("subscription was not released")
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: thread.cranked\n") {
		t.Errorf("body missing event line: %q", body)
	}
	if !strings.Contains(body, "id: e1\n") {
		t.Errorf("body missing id line: %q", body)
	}
}

func TestEventsAll_StopsOnCancel(t *testing.T) {
	sub := &fakeSubscriber{events: make(chan *core.ThreadEvent)}
	h := NewEventHandler(sub)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/ojs/v1/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.All(w, req)
		close(done)
	}()
	cancel()
	<-done

	if !sub.unsubscribe {
		t.Error("subscription was not released")
	}
}
