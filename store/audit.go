package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mantleworks/toolgate/provider"
)

const (
	defaultAuditQueue        = 256
	defaultAuditWriteTimeout = 5 * time.Second
)

// AuditObserverConfig configures the audit writer.
type AuditObserverConfig struct {
	Store Store
	// Logger receives write failures. Defaults to slog.Default.
	Logger *slog.Logger
	// Queue is the pending-write buffer size. Defaults to 256.
	Queue int
	// WriteTimeout bounds each store write. Defaults to 5 seconds.
	WriteTimeout time.Duration
	// Next, if set, receives every observation after the audit record is
	// queued. Use it to chain a metrics observer.
	Next provider.Observer
}

// AuditObserver records invocation outcomes to the store. Records are
// queued and written by a background goroutine; when the queue is full the
// record is dropped rather than stalling the invocation path.
type AuditObserver struct {
	store        Store
	logger       *slog.Logger
	next         provider.Observer
	writeTimeout time.Duration

	queue   chan InvocationRecord
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
}

var _ provider.Observer = (*AuditObserver)(nil)

// NewAuditObserver creates the observer and starts its writer goroutine.
func NewAuditObserver(cfg AuditObserverConfig) (*AuditObserver, error) {
	if cfg.Store == nil {
		return nil, errors.New("store: audit observer store is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Queue <= 0 {
		cfg.Queue = defaultAuditQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultAuditWriteTimeout
	}

	observer := &AuditObserver{
		store:        cfg.Store,
		logger:       cfg.Logger.With("component", "audit"),
		next:         cfg.Next,
		writeTimeout: cfg.WriteTimeout,
		queue:        make(chan InvocationRecord, cfg.Queue),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go observer.drain()
	return observer, nil
}

// ObserveHandshake forwards to the chained observer. Handshakes are not
// audited; the persisted config itself records that the provider exists.
func (o *AuditObserver) ObserveHandshake(observation provider.HandshakeObservation) {
	if o.next != nil {
		o.next.ObserveHandshake(observation)
	}
}

// ObserveInvoke queues one audit row for the invocation.
func (o *AuditObserver) ObserveInvoke(observation provider.InvokeObservation) {
	if o.next != nil {
		o.next.ObserveInvoke(observation)
	}

	status := StatusSuccess
	if !observation.Success {
		status = observation.ErrorKind
		if status == "" {
			status = "error"
		}
	}
	record := InvocationRecord{
		Identifier: observation.Identifier,
		Capability: observation.Tool,
		Status:     status,
		DurationMS: observation.DurationMS,
		CreatedAt:  time.Now().UTC(),
	}

	select {
	case o.queue <- record:
	default:
		o.dropped.Add(1)
	}
}

// ObserveReap forwards to the chained observer.
func (o *AuditObserver) ObserveReap(observation provider.ReapObservation) {
	if o.next != nil {
		o.next.ObserveReap(observation)
	}
}

// Dropped reports how many records were discarded because the queue was
// full.
func (o *AuditObserver) Dropped() int64 {
	return o.dropped.Load()
}

// Close flushes queued records and stops the writer. Observations arriving
// after Close are dropped.
func (o *AuditObserver) Close() {
	o.closeOnce.Do(func() {
		close(o.stop)
	})
	<-o.done
}

func (o *AuditObserver) drain() {
	defer close(o.done)

	for {
		select {
		case record := <-o.queue:
			o.write(record)
		case <-o.stop:
			for {
				select {
				case record := <-o.queue:
					o.write(record)
				default:
					return
				}
			}
		}
	}
}

func (o *AuditObserver) write(record InvocationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), o.writeTimeout)
	defer cancel()

	if err := o.store.AppendInvocation(ctx, record); err != nil {
		o.logger.Warn("audit write failed",
			"identifier", record.Identifier,
			"capability", record.Capability,
			"error", err)
	}
}
