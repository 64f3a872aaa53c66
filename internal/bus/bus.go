package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultInboxSize = 64

// Handler serves one message type on an endpoint. The returned value is
// JSON-encoded into Response.Data; a non-nil error becomes a failure Response.
//
// The context carries the sender's values (trace spans) but not its
// cancellation: the sender giving up does not stop the handler.
type Handler func(ctx context.Context, env *Envelope) (any, error)

// Option customizes Bus construction.
type Option func(*Bus)

// WithInboxSize overrides the buffered inbox size of each endpoint.
func WithInboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.inboxSize = n
		}
	}
}

// WithLogger injects a logger for routing diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) {
		b.log = l
	}
}

// Bus routes envelopes between named endpoints.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	pending   map[string]*Future
	closed    bool
	inboxSize int
	log       zerolog.Logger
	inflight  sync.WaitGroup
}

// New constructs an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		endpoints: map[string]*Endpoint{},
		pending:   map[string]*Future{},
		inboxSize: defaultInboxSize,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Open registers an endpoint named name serving handlers. It fails with
// ErrEndpointExists if an endpoint with that name is already open.
// A nil handlers map opens a caller-only endpoint.
func (b *Bus) Open(name string, handlers map[string]Handler) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.endpoints[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrEndpointExists, name)
	}

	hs := make(map[string]Handler, len(handlers))
	for k, h := range handlers {
		hs[k] = h
	}
	ep := &Endpoint{
		name:     name,
		bus:      b,
		handlers: hs,
		inbox:    make(chan delivery, b.inboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      b.log.With().Str("endpoint", name).Logger(),
	}
	b.endpoints[name] = ep
	go ep.run()
	return ep, nil
}

// Has reports whether an endpoint named name is open.
func (b *Bus) Has(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.endpoints[name]
	return ok
}

// Pending returns the number of requests awaiting a response.
func (b *Bus) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Send delivers env from sender from to endpoint to and returns a Future for
// the single Response. Send never blocks on the handler; it may block on a
// full inbox until ctx is done.
func (b *Bus) Send(ctx context.Context, from, to string, env *Envelope) *Future {
	if env.ID == "" {
		// Envelopes built by hand still need a correlation id.
		fresh, _ := NewEnvelope(env.Type, nil)
		env.ID = fresh.ID
	}
	if env.V == 0 {
		env.V = ProtocolVersion
	}
	env.From = from

	fut := newFuture(b, env.ID, env.Type)

	b.mu.Lock()
	if _, dup := b.pending[env.ID]; dup {
		b.mu.Unlock()
		fut.resolve(failure(KindDuplicate, fmt.Sprintf("request %s already pending", env.ID)))
		return fut
	}
	ep := b.endpoints[to]
	b.pending[env.ID] = fut
	b.mu.Unlock()

	if ep == nil {
		b.log.Debug().Str("to", to).Str("type", env.Type).Msg("bus: unknown endpoint")
		fut.resolve(failure(KindUnreachable, fmt.Sprintf("endpoint %q is not available", to)))
		return fut
	}
	ep.enqueue(ctx, delivery{ctx: ctx, env: env, fut: fut})
	return fut
}

// Request sends a msgType message with payload and waits for the response,
// decoding its data into out when out is non-nil. A failure response is
// returned as a *ResponseError.
func (b *Bus) Request(ctx context.Context, from, to, msgType string, payload, out any) error {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	resp, err := b.Send(ctx, from, to, env).Wait(ctx)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Shutdown closes every endpoint, failing queued requests, and waits for
// in-flight handlers until ctx is done.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	eps := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.mu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) remove(ep *Endpoint) {
	b.mu.Lock()
	if cur, ok := b.endpoints[ep.name]; ok && cur == ep {
		delete(b.endpoints, ep.name)
	}
	b.mu.Unlock()
}

func (b *Bus) forget(id string, fut *Future) {
	b.mu.Lock()
	if cur, ok := b.pending[id]; ok && cur == fut {
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

type delivery struct {
	ctx context.Context
	env *Envelope
	fut *Future
}

// Endpoint is one named execution context on the bus.
type Endpoint struct {
	name     string
	bus      *Bus
	handlers map[string]Handler
	inbox    chan delivery
	quit     chan struct{}
	done     chan struct{}
	log      zerolog.Logger

	// mu gates enqueue against Close; closed is read lock-free by the
	// dispatcher so a sender blocked on a full inbox cannot stall it.
	mu        sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Name returns the endpoint name.
func (ep *Endpoint) Name() string { return ep.name }

// Done is closed once the endpoint has stopped dispatching.
func (ep *Endpoint) Done() <-chan struct{} { return ep.done }

// Close removes the endpoint from the bus. Requests still queued are failed
// with KindUnreachable; handlers already running finish normally.
func (ep *Endpoint) Close() {
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		ep.closed.Store(true)
		ep.mu.Unlock()

		ep.bus.remove(ep)
		close(ep.quit)
		<-ep.done
	})
}

func (ep *Endpoint) enqueue(ctx context.Context, d delivery) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed.Load() {
		d.fut.resolve(failure(KindUnreachable, fmt.Sprintf("endpoint %q is closed", ep.name)))
		return
	}
	// A request whose context is already done never reaches the inbox.
	if err := ctx.Err(); err != nil {
		d.fut.resolve(failure(KindUnreachable, fmt.Sprintf("endpoint %q not reached: %v", ep.name, err)))
		return
	}
	select {
	case ep.inbox <- d:
	case <-ctx.Done():
		d.fut.resolve(failure(KindUnreachable, fmt.Sprintf("endpoint %q inbox full: %v", ep.name, ctx.Err())))
	}
}

// run is the endpoint's dispatcher: it drains the inbox in arrival order and
// starts each handler on its own goroutine.
func (ep *Endpoint) run() {
	defer close(ep.done)
	for {
		select {
		case d := <-ep.inbox:
			ep.dispatch(d)
		case <-ep.quit:
			for {
				select {
				case d := <-ep.inbox:
					d.fut.resolve(failure(KindUnreachable, fmt.Sprintf("endpoint %q closed before dispatch", ep.name)))
				default:
					return
				}
			}
		}
	}
}

func (ep *Endpoint) dispatch(d delivery) {
	if ep.closed.Load() {
		d.fut.resolve(failure(KindUnreachable, fmt.Sprintf("endpoint %q closed before dispatch", ep.name)))
		return
	}
	h, ok := ep.handlers[d.env.Type]
	if !ok {
		ep.log.Warn().Str("type", d.env.Type).Str("from", d.env.From).Msg("bus: no handler")
		d.fut.resolve(failure(KindNoHandler, "Unknown action"))
		return
	}

	ep.bus.inflight.Add(1)
	go func() {
		defer ep.bus.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				ep.log.Error().Interface("panic", r).Str("type", d.env.Type).Msg("bus: handler panic")
				d.fut.resolve(failure(KindInternal, fmt.Sprintf("handler panic: %v", r)))
			}
		}()

		ctx := context.WithoutCancel(d.ctx)
		out, err := h(ctx, d.env)
		if err != nil {
			d.fut.resolve(failureFrom(err))
			return
		}
		resp := Response{Success: true}
		if out != nil {
			data, err := json.Marshal(out)
			if err != nil {
				d.fut.resolve(failure(KindInternal, fmt.Sprintf("encode response: %v", err)))
				return
			}
			resp.Data = data
		}
		d.fut.resolve(resp)
	}()
}

// Future is the pending Response to one request.
type Future struct {
	bus   *Bus
	id    string
	typ   string
	start time.Time
	once  sync.Once
	done  chan struct{}
	resp  Response
}

func newFuture(b *Bus, id, typ string) *Future {
	return &Future{bus: b, id: id, typ: typ, start: time.Now(), done: make(chan struct{})}
}

// ID returns the correlation ID.
func (f *Future) ID() string { return f.id }

// Done is closed when the response is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the response arrives or ctx is done. Abandoning the wait
// does not cancel the request.
func (f *Future) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// resolve records r as the response. Only the first call has any effect.
func (f *Future) resolve(r Response) bool {
	first := false
	f.once.Do(func() {
		r.ID = f.id
		f.resp = r
		first = true
		close(f.done)
	})
	if !first {
		return false
	}
	f.bus.forget(f.id, f)
	observe(f.typ, r, time.Since(f.start))
	return true
}
