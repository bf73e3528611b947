package observer

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type recordingObserver struct {
	name   string
	mu     sync.Mutex
	events []ProbeEvent
	ctxErr []error
	done   chan struct{}
}

func newRecordingObserver(name string, expected int) *recordingObserver {
	return &recordingObserver{name: name, done: make(chan struct{}, expected)}
}

func (o *recordingObserver) OnEvent(ctx context.Context, event ProbeEvent) {
	o.mu.Lock()
	o.events = append(o.events, event)
	o.ctxErr = append(o.ctxErr, ctx.Err())
	o.mu.Unlock()
	o.done <- struct{}{}
}

func (o *recordingObserver) GetObserverName() string { return o.name }

func (o *recordingObserver) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-o.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("observer %s received %d of %d events", o.name, i, n)
		}
	}
}

type panickingObserver struct{}

func (panickingObserver) OnEvent(context.Context, ProbeEvent) { panic("boom") }
func (panickingObserver) GetObserverName() string { return "panicking" }

func TestEventPublisher_NotifiesAllObservers(t *testing.T) {
	publisher := NewEventPublisher(logrus.New())
	first := newRecordingObserver("first", 1)
	second := newRecordingObserver("second", 1)
	publisher.Subscribe(first)
	publisher.Subscribe(second)
	publisher.Subscribe(panickingObserver{})

	publisher.NotifyObservers(context.Background(), ProbeEvent{EventType: ProbeStarted, URL: "https://example.com/a.png"})

	first.wait(t, 1)
	second.wait(t, 1)

	if first.events[0].Timestamp.IsZero() {
		t.Error("Expected publisher to stamp the event")
	}
	if second.events[0].URL != "https://example.com/a.png" {
		t.Errorf("unexpected url %q", second.events[0].URL)
	}
}

func TestEventPublisher_Unsubscribe(t *testing.T) {
	publisher := NewEventPublisher(nil)
	kept := newRecordingObserver("kept", 1)
	removed := newRecordingObserver("removed", 1)
	publisher.Subscribe(kept)
	publisher.Subscribe(removed)
	publisher.Unsubscribe(removed)

	publisher.NotifyObservers(context.Background(), ProbeEvent{EventType: ProbeCompleted})
	kept.wait(t, 1)

	select {
	case <-removed.done:
		t.Error("Unsubscribed observer should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventPublisher_DetachesCancellation(t *testing.T) {
	publisher := NewEventPublisher(nil)
	obs := newRecordingObserver("ctx", 1)
	publisher.Subscribe(obs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	publisher.NotifyObservers(ctx, ProbeEvent{EventType: ProbeFailed})
	obs.wait(t, 1)

	if obs.ctxErr[0] != nil {
		t.Errorf("Expected observer context to be live, got %v", obs.ctxErr[0])
	}
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetricsObserver()
	ctx := context.Background()

	m.OnEvent(ctx, ProbeEvent{EventType: ProbeStarted})
	m.OnEvent(ctx, ProbeEvent{EventType: ProbeStarted})
	m.OnEvent(ctx, ProbeEvent{EventType: ProbeStarted})
	m.OnEvent(ctx, ProbeEvent{EventType: ProbeCompleted, ProcessingTime: 100 * time.Millisecond})
	m.OnEvent(ctx, ProbeEvent{EventType: ProbeCompleted, ProcessingTime: 300 * time.Millisecond})
	m.OnEvent(ctx, ProbeEvent{EventType: ProbeRejected, ErrorType: "blocked_host"})
	m.OnEvent(ctx, ProbeEvent{EventType: ProbeFailed, ErrorType: "timeout"})
	m.OnEvent(ctx, ProbeEvent{EventType: DimensionsUnavailable})

	metrics := m.GetMetrics()
	expected := map[string]interface{}{
		"total_probes":        int64(3),
		"successful_probes":   int64(2),
		"rejected_probes":     int64(1),
		"failed_probes":       int64(1),
		"missing_dimensions":  int64(1),
		"avg_processing_time": "200ms",
	}
	for key, want := range expected {
		if metrics[key] != want {
			t.Errorf("Expected %s = %v, got %v", key, want, metrics[key])
		}
	}

	byType := metrics["failures_by_type"].(map[string]int64)
	if byType["blocked_host"] != 1 || byType["timeout"] != 1 {
		t.Errorf("unexpected failures by type %v", byType)
	}
}

func TestLoggingObserver_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	obs := NewLoggingObserver(logger)
	obs.OnEvent(context.Background(), ProbeEvent{EventType: ProbeStarted, URL: "https://a.example"})
	if buf.Len() != 0 {
		t.Errorf("Expected started event below info level, got %s", buf.String())
	}

	obs.OnEvent(context.Background(), ProbeEvent{
		EventType: ProbeRejected,
		URL:       "http://127.0.0.1/",
		ErrorType: "blocked_host",
		RequestID: "req-1",
	})
	out := buf.String()
	for _, want := range []string{`"level":"warning"`, `"error_type":"blocked_host"`, `"request_id":"req-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log to contain %s, got %s", want, out)
		}
	}
}
