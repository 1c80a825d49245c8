package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// broadcastQueueSize bounds the per-endpoint broadcast buffer. A full queue
// drops the broadcast for that endpoint (delivery is best-effort).
const broadcastQueueSize = 64

// Bus is the in-process message substrate. One handler (the coordinator
// side) serves requests; any number of endpoints (client caches) send
// requests and receive broadcasts.
type Bus struct {
	mu        sync.RWMutex
	handler   Handler
	endpoints map[string]*Endpoint
	log       *logrus.Entry
}

// NewBus creates an empty bus with no handler.
func NewBus() *Bus {
	return &Bus{
		endpoints: make(map[string]*Endpoint),
		log:       logrus.WithField("component", "bus"),
	}
}

// SetHandler installs the request handler. Requests sent while no handler is
// installed fail with ErrUnreachable.
func (b *Bus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Request sends msg to the handler and waits for the single correlated
// response. A missing correlation id is filled in. The wait is bounded by
// ctx; on expiry the correlation is abandoned locally but the handler's work
// may still complete.
func (b *Bus) Request(ctx context.Context, msg Message) (Response, error) {
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()

	if h == nil {
		return Response{}, ErrUnreachable
	}

	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	rs := &replyState{
		corrID: msg.CorrelationID,
		ch:     make(chan Response, 1),
		log:    b.log,
	}

	go func() {
		outcome, err := h.Handle(ctx, msg, rs.reply)
		if err != nil {
			// The returned error stands in for the reply.
			_ = rs.reply(Response{Error: err.Error()})
			rs.close()
			return
		}
		if outcome == Answered {
			rs.close()
		}
		// Deferred: the channel stays open until the handler replies.
	}()

	select {
	case resp := <-rs.ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Endpoint registers a new client endpoint on the bus. Endpoint ids must be
// unique among live endpoints.
func (b *Bus) Endpoint(id string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.endpoints[id]; exists {
		return nil, fmt.Errorf("endpoint %q already registered", id)
	}

	ep := &Endpoint{
		id:        id,
		bus:       b,
		listeners: make(map[int]func(Broadcast)),
		queue:     make(chan Broadcast, broadcastQueueSize),
		done:      make(chan struct{}),
	}
	b.endpoints[id] = ep

	go ep.pump()
	return ep, nil
}

// Broadcast delivers bc to every live endpoint except origin. Failures
// (closed or saturated endpoints) are swallowed.
func (b *Bus) Broadcast(origin string, bc Broadcast) {
	b.mu.RLock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for id, ep := range b.endpoints {
		if id == origin {
			continue
		}
		targets = append(targets, ep)
	}
	b.mu.RUnlock()

	for _, ep := range targets {
		select {
		case ep.queue <- bc:
		case <-ep.done:
		default:
			b.log.WithFields(logrus.Fields{
				"endpoint": ep.id,
				"type":     bc.Type,
			}).Debug("Broadcast dropped: endpoint queue full")
		}
	}
}

// Endpoints returns the ids of all live endpoints.
func (b *Bus) Endpoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.endpoints))
	for id := range b.endpoints {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, id)
}

// replyState enforces the close-on-return contract: at most one reply, and
// none after the channel closed.
type replyState struct {
	mu      sync.Mutex
	corrID  string
	ch      chan Response
	closed  bool
	replied bool
	log     *logrus.Entry
}

func (r *replyState) reply(resp Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replied {
		return fmt.Errorf("%w: %s", ErrDuplicateReply, r.corrID)
	}
	if r.closed {
		r.log.WithField("correlation_id", r.corrID).
			Warn("Reply after channel close; response dropped")
		return fmt.Errorf("%w: %s", ErrReplyDropped, r.corrID)
	}

	r.replied = true
	resp.CorrelationID = r.corrID
	r.ch <- resp
	return nil
}

func (r *replyState) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.replied && !r.closed {
		// Handler declared Answered without replying: the caller would wait
		// for its full timeout. Surface the contract violation.
		r.log.WithField("correlation_id", r.corrID).
			Error("Handler declared answered but never replied")
	}
	r.closed = true
}

// Endpoint is one registered client context on the bus.
type Endpoint struct {
	id  string
	bus *Bus

	mu           sync.Mutex
	listeners    map[int]func(Broadcast)
	nextListener int
	closed       bool

	queue chan Broadcast
	done  chan struct{}
}

// ID returns the endpoint's identifier.
func (e *Endpoint) ID() string { return e.id }

// Request sends msg stamped with this endpoint's id as origin.
func (e *Endpoint) Request(ctx context.Context, msg Message) (Response, error) {
	msg.Origin = e.id
	return e.bus.Request(ctx, msg)
}

// OnBroadcast registers fn for broadcasts delivered to this endpoint and
// returns a removal func. Listeners are matched by the returned reference,
// so identical callbacks can be registered and removed independently.
func (e *Endpoint) OnBroadcast(fn func(Broadcast)) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Close deregisters the endpoint and all its listeners from the bus fan-out.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.listeners = make(map[int]func(Broadcast))
	e.mu.Unlock()

	e.bus.remove(e.id)
	close(e.done)
}

// pump delivers queued broadcasts to listeners in arrival order, preserving
// per-endpoint causal order.
func (e *Endpoint) pump() {
	for {
		select {
		case bc := <-e.queue:
			e.mu.Lock()
			fns := make([]func(Broadcast), 0, len(e.listeners))
			for _, fn := range e.listeners {
				fns = append(fns, fn)
			}
			e.mu.Unlock()

			for _, fn := range fns {
				fn(bc)
			}
		case <-e.done:
			return
		}
	}
}
