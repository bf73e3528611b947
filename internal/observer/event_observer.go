package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProbeEvent represents a probe lifecycle event
type ProbeEvent struct {
	EventType      EventType              `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	RequestID      string                 `json:"request_id,omitempty"`
	URL            string                 `json:"url"`
	ProcessingTime time.Duration          `json:"processing_time"`
	Success        bool                   `json:"success"`
	ErrorType      string                 `json:"error_type,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of probe event
type EventType string

const (
	// ProbeStarted when a probe request is accepted
	ProbeStarted EventType = "probe_started"
	// ProbeCompleted when metadata was returned
	ProbeCompleted EventType = "probe_completed"
	// ProbeRejected when validation refused the URL before any fetch
	ProbeRejected EventType = "probe_rejected"
	// ProbeFailed when the fetch itself failed
	ProbeFailed EventType = "probe_failed"
	// DimensionsUnavailable when the dimension sub-probe yielded nothing
	DimensionsUnavailable EventType = "dimensions_unavailable"
)

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event ProbeEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event ProbeEvent)
}

// LoggingObserver logs probe events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles probe events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event ProbeEvent) {
	fields := logrus.Fields{
		"event_type":      event.EventType,
		"url":             event.URL,
		"processing_time": event.ProcessingTime,
		"success":         event.Success,
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.ErrorType != "" {
		fields["error_type"] = event.ErrorType
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case ProbeStarted:
		entry.Debug("Image probe started")
	case ProbeCompleted:
		entry.Info("Image probe completed")
	case ProbeRejected:
		entry.Warn("Image probe rejected")
	case ProbeFailed:
		entry.Error("Image probe failed")
	case DimensionsUnavailable:
		entry.Debug("Image dimensions unavailable")
	default:
		entry.Info("Probe event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver collects counters from probe events
type MetricsObserver struct {
	mu                  sync.RWMutex
	totalProbes         int64
	successfulProbes    int64
	rejectedProbes      int64
	failedProbes        int64
	missingDimensions   int64
	totalProcessingTime time.Duration
	failuresByType      map[string]int64
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{
		failuresByType: make(map[string]int64),
	}
}

// OnEvent handles probe events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event ProbeEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.EventType {
	case ProbeStarted:
		o.totalProbes++
	case ProbeCompleted:
		o.successfulProbes++
		o.totalProcessingTime += event.ProcessingTime
	case ProbeRejected:
		o.rejectedProbes++
		o.failuresByType[event.ErrorType]++
	case ProbeFailed:
		o.failedProbes++
		o.failuresByType[event.ErrorType]++
	case DimensionsUnavailable:
		o.missingDimensions++
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	avgProcessingTime := time.Duration(0)
	if o.successfulProbes > 0 {
		avgProcessingTime = o.totalProcessingTime / time.Duration(o.successfulProbes)
	}

	byType := make(map[string]int64, len(o.failuresByType))
	for k, v := range o.failuresByType {
		byType[k] = v
	}

	return map[string]interface{}{
		"total_probes":        o.totalProbes,
		"successful_probes":   o.successfulProbes,
		"rejected_probes":     o.rejectedProbes,
		"failed_probes":       o.failedProbes,
		"missing_dimensions":  o.missingDimensions,
		"avg_processing_time": avgProcessingTime.String(),
		"failures_by_type":    byType,
	}
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *logrus.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(logger *logrus.Logger) *EventPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventPublisher{
		observers: make([]Observer, 0),
		logger:    logger,
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers notifies all observers of an event.
// Observers run concurrently and never block the caller.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event ProbeEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	// request cancellation must not reach observers
	ctx = context.WithoutCancel(ctx)
	for _, observer := range observers {
		go func(obs Observer) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.WithField("observer", obs.GetObserverName()).
						WithField("panic", r).
						Error("Observer panicked while handling event")
				}
			}()
			obs.OnEvent(ctx, event)
		}(observer)
	}
}
