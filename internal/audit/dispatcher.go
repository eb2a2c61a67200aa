package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCriticalWait is how long a critical event waits for buffer space
// when DropIfFull is set.
const DefaultCriticalWait = 50 * time.Millisecond

// Critical reports whether events of eventType record a security decision
// (lockouts, blocked sign-ins, rejected sessions). They are held back
// longer than routine events before being dropped.
func Critical(eventType string) bool {
	switch eventType {
	case TypeLockoutTriggered, TypeLockoutCleared, TypeLoginBlocked, TypeSessionRejected:
		return true
	}
	return false
}

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops routine events at once when the buffer is full.
	// Critical events wait up to CriticalWait first.
	DropIfFull   bool
	CriticalWait time.Duration
	// OnDrop, if set, is called synchronously for every dropped event.
	OnDrop func(Event)
}

// Dispatcher forwards events to a sink from a single goroutine.
// A nil *Dispatcher is valid and discards everything.
type Dispatcher struct {
	cfg   Config
	sink  Sink
	queue chan Event
	stop  chan struct{}
	wg    sync.WaitGroup

	delivered       atomic.Uint64
	dropped         atomic.Uint64
	droppedCritical atomic.Uint64
	closed          atomic.Bool
	closeOnce       sync.Once
}

// NewDispatcher returns nil when cfg.Enabled is false.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.CriticalWait < 0 {
		cfg.CriticalWait = 0
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan Event, cfg.BufferSize),
		stop:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.sink.Emit(context.Background(), ev)
			d.delivered.Add(1)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

// drain delivers whatever was accepted before Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.sink.Emit(context.Background(), ev)
			d.delivered.Add(1)
		default:
			return
		}
	}
}

// Emit queues ev for delivery. Without DropIfFull it blocks until there is
// room or ctx is done.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case d.queue <- ev:
		return
	case <-d.stop:
		return
	default:
	}

	var expired <-chan time.Time
	if d.cfg.DropIfFull {
		if !Critical(ev.EventType) || d.cfg.CriticalWait == 0 {
			d.drop(ev)
			return
		}
		t := time.NewTimer(d.cfg.CriticalWait)
		defer t.Stop()
		expired = t.C
	}

	select {
	case d.queue <- ev:
	case <-d.stop:
	case <-expired:
		d.drop(ev)
	case <-ctx.Done():
		d.drop(ev)
	}
}

func (d *Dispatcher) drop(ev Event) {
	d.dropped.Add(1)
	if Critical(ev.EventType) {
		d.droppedCritical.Add(1)
	}
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop(ev)
	}
}

// Close stops accepting events and waits until the buffer is drained.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		d.wg.Wait()
	})
}

// Dropped counts every dropped event, critical ones included.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) DroppedCritical() uint64 {
	if d == nil {
		return 0
	}
	return d.droppedCritical.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
