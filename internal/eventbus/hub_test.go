package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx, 4)
	hub.Publish(Event{Type: TypeVersionCreated, Data: map[string]any{"id": 1}})

	select {
	case evt := <-ch:
		if evt.Type != TypeVersionCreated {
			t.Fatalf("type=%q", evt.Type)
		}
		if evt.Timestamp == 0 {
			t.Fatalf("timestamp should be filled")
		}
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("channel should be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := hub.Subscribe(ctx, 1)
	hub.Publish(Event{Type: "a"})
	hub.Publish(Event{Type: "b"})

	evt := <-ch
	if evt.Type != "a" {
		t.Fatalf("type=%q, want a", evt.Type)
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %q", evt.Type)
	default:
	}
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var hub *Hub
	hub.Publish(Event{Type: "x"})
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	done     chan struct{}
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	return p.err
}

func TestForwarderSubject(t *testing.T) {
	f := NewForwarder(NewHub(), &recordingPublisher{}, "")
	if got := f.Subject(Event{Data: map[string]any{"item_type": "Widget"}}); got != "trail.versions.widget" {
		t.Fatalf("subject=%q", got)
	}
	if got := f.Subject(Event{}); got != "trail.versions" {
		t.Fatalf("subject=%q", got)
	}
}

func TestForwarderRun(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	pub := &recordingPublisher{done: done}
	f := NewForwarder(hub, pub, "audit")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	// 等待订阅建立
	deadline := time.Now().Add(time.Second)
	for {
		hub.mu.RLock()
		n := len(hub.subs)
		hub.mu.RUnlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("forwarder did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(Event{Type: TypeVersionCreated, Data: map[string]any{"item_type": "Widget", "id": 7}})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("event not forwarded")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.subjects[0] != "audit.widget" {
		t.Fatalf("subject=%q", pub.subjects[0])
	}
	var evt Event
	if err := json.Unmarshal(pub.payloads[0], &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Data["id"] != float64(7) {
		t.Fatalf("id=%v", evt.Data["id"])
	}
}

func TestForwarderForwardError(t *testing.T) {
	f := NewForwarder(NewHub(), &recordingPublisher{err: errors.New("down")}, "audit")
	if err := f.forward(Event{Type: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}
