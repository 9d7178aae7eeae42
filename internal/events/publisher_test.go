package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloudlocker/internal/observability/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDispatcherPublishesInBackground(t *testing.T) {
	writer := &fakeWriter{}
	recorder := metrics.New()
	dispatcher := NewDispatcher(newKafkaPublisherWithWriter(writer, DefaultTopic), slog.New(slog.NewTextHandler(&syncBuffer{}, nil)), recorder)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		dispatcher.Emit(ctx, New(TypeTransactionCreated, "user-1", nil))
	}
	dispatcher.Wait()

	if got := len(writer.snapshot()); got != 3 {
		t.Fatalf("expected 3 published events despite cancelled request context, got %d", got)
	}
	exposition := scrape(t, recorder)
	if !strings.Contains(exposition, `cloudlocker_events_published_total{outcome="published",type="transaction.created"} 3`) {
		t.Fatalf("expected published counter, got %s", exposition)
	}
}

func TestDispatcherLogsFailures(t *testing.T) {
	var logs syncBuffer
	recorder := metrics.New()
	dispatcher := NewDispatcher(newKafkaPublisherWithWriter(&fakeWriter{err: errors.New("broker down")}, DefaultTopic), slog.New(slog.NewTextHandler(&logs, nil)), recorder)

	dispatcher.Emit(context.Background(), New(TypeUserRegistered, "user-9", nil))
	dispatcher.Wait()

	if !strings.Contains(logs.String(), "failed to publish event") || !strings.Contains(logs.String(), "user-9") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}
	if !strings.Contains(scrape(t, recorder), `cloudlocker_events_published_total{outcome="failed",type="user.registered"} 1`) {
		t.Fatalf("expected failure counter")
	}
}

func TestDispatcherCloseDrainsAndCloses(t *testing.T) {
	writer := &fakeWriter{}
	recorder := metrics.New()
	dispatcher := NewDispatcher(newKafkaPublisherWithWriter(writer, DefaultTopic), nil, recorder)

	dispatcher.Emit(context.Background(), New(TypeUserEmailVerified, "user-1", nil))
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if !writer.closed {
		t.Fatalf("expected writer to be closed")
	}
	if len(writer.snapshot()) != 1 {
		t.Fatalf("expected in-flight event to drain before close")
	}

	dispatcher.Emit(context.Background(), New(TypeUserEmailVerified, "user-1", nil))
	dispatcher.Wait()
	if len(writer.snapshot()) != 1 {
		t.Fatalf("expected events after close to be dropped")
	}
	count, err := testutil.GatherAndCount(recorder.Registry(), "cloudlocker_events_published_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected published and dropped series, got %d", count)
	}
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	first  bool
	delay  time.Duration
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	slow := !p.first
	p.first = true
	p.mu.Unlock()
	if slow {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

func TestDispatcherKeepsPerUserOrder(t *testing.T) {
	publisher := &recordingPublisher{delay: 50 * time.Millisecond}
	dispatcher := NewDispatcher(publisher, nil, metrics.New())
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })

	dispatcher.Emit(context.Background(), New(TypeGiftCardRedeemed, "user-7", nil))
	dispatcher.Emit(context.Background(), New(TypeTransactionCreated, "user-7", nil))
	dispatcher.Wait()

	got := publisher.types()
	want := []string{TypeGiftCardRedeemed, TypeTransactionCreated}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestShardForIsStable(t *testing.T) {
	for _, userID := range []string{"", "user-1", "user-7", "a-much-longer-user-identifier"} {
		first := shardFor(userID, dispatchWorkers)
		if first < 0 || first >= dispatchWorkers {
			t.Fatalf("shard %d out of range for %q", first, userID)
		}
		if again := shardFor(userID, dispatchWorkers); again != first {
			t.Fatalf("expected stable shard for %q, got %d then %d", userID, first, again)
		}
	}
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var dispatcher *Dispatcher
	dispatcher.Emit(context.Background(), New(TypeUserRegistered, "u", nil))
	dispatcher.Wait()
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("expected nil dispatcher close to succeed, got %v", err)
	}
}

func TestNoopPublisher(t *testing.T) {
	dispatcher := NewDispatcher(nil, nil, metrics.New())
	dispatcher.Emit(context.Background(), New(TypeUserRegistered, "u", nil))
	if err := dispatcher.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func scrape(t *testing.T, recorder *metrics.Recorder) string {
	t.Helper()
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Body.String()
}
