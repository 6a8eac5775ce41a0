package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/training-portal/internal/session"
)

func quiet() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func TestFromTransition(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	ev := FromTransition(session.Transition{
		ProfileID: "p1",
		From:      session.Resolving,
		To:        session.Authenticated,
		Reason:    session.ReasonRestore,
		UserID:    7,
		Role:      "admin",
		At:        at,
	})
	if ev.From != "resolving" || ev.To != "authenticated" || ev.UserID != 7 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.OccurredAt != "2026-03-01T09:00:00Z" {
		t.Fatalf("expected UTC timestamp, got %s", ev.OccurredAt)
	}
}

func TestHandleMessageAppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "session.log")
	audit := NewAuditLog(path)

	for _, reason := range []string{"login", "logout"} {
		body, _ := json.Marshal(SessionEvent{ProfileID: "p1", From: "a", To: "b", Reason: reason})
		if err := handleMessage(body, audit); err != nil {
			t.Fatalf("handleMessage() error: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var reasons []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev SessionEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		reasons = append(reasons, ev.Reason)
	}
	if len(reasons) != 2 || reasons[0] != "login" || reasons[1] != "logout" {
		t.Fatalf("unexpected audit lines %v", reasons)
	}
}

func TestHandleMessageRejectsPoison(t *testing.T) {
	audit := NewAuditLog(filepath.Join(t.TempDir(), "session.log"))
	if err := handleMessage([]byte("{not json"), audit); err == nil {
		t.Fatal("expected unmarshal error")
	}
	if err := handleMessage([]byte(`{"reason":"login"}`), audit); err == nil {
		t.Fatal("expected error for an event without profile")
	}
}

type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	published []amqp.Publishing
	failNext  bool
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("channel closed")
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublisherDelivers(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher("amqp://test", "", 8, quiet())
	p.dial = func(string) (channel, io.Closer, error) { return ch, nopCloser{}, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Notify(ctx, session.Transition{ProfileID: "p1", From: session.Unauthenticated, To: session.Authenticated, Reason: session.ReasonLogin})
	waitFor(t, func() bool { return ch.count() == 1 })

	msg := ch.published[0]
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || msg.Type != "session.login" {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	var ev SessionEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil || ev.ProfileID != "p1" || ev.To != "authenticated" {
		t.Fatalf("unexpected body %s (%v)", msg.Body, err)
	}
	if len(ch.declared) != 1 || ch.declared[0] != DefaultQueue {
		t.Fatalf("expected %s declared once, got %v", DefaultQueue, ch.declared)
	}
}

func TestPublisherDropsWhileBrokerDown(t *testing.T) {
	p := NewPublisher("amqp://test", "q", 8, quiet())
	dials := 0
	var mu sync.Mutex
	p.dial = func(string) (channel, io.Closer, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return nil, nil, errors.New("connection refused")
	}
	p.retry = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 3; i++ {
		p.Notify(ctx, session.Transition{ProfileID: "p1", Reason: session.ReasonLogout})
	}
	waitFor(t, func() bool { return p.Dropped() == 3 })
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Fatalf("expected one dial within the retry interval, got %d", dials)
	}
}

func TestNotifyNeverBlocks(t *testing.T) {
	p := NewPublisher("amqp://test", "q", 1, quiet())
	// Run is not started; the second event overflows the buffer.
	p.Notify(context.Background(), session.Transition{ProfileID: "p1"})
	p.Notify(context.Background(), session.Transition{ProfileID: "p1"})
	if p.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", p.Dropped())
	}
}
