// Package workerconn implements the Worker Connection dispatch fabric
// from spec §4.5: a mutable set of worker endpoints, round-robin
// selection, per-request timeout/retry, and futures fulfilled when a
// reply arrives (or is given up on).
package workerconn

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/toto"
	"github.com/jeremyot/toto/internal/wire"
)

// ErrNoConnections is returned when invoke is attempted (or a retry
// falls due) with an empty connection set — spec §4.5: "if the set
// becomes empty, subsequent sends fail with 'no active connections'".
var ErrNoConnections = errors.New("workerconn: no active connections")

// Transport is a wire binding capable of emitting an encoded request
// to a named endpoint. Implementations: mqconn (message-queue style,
// persistent net.Conn) and httpconn (one POST per invocation).
type Transport interface {
	// Send emits payload to endpoint addr, tagged with requestID so
	// the reply can be routed back through WorkerConn.onReply.
	Send(ctx context.Context, addr, requestID string, payload []byte) error
	// Connect registers addr as reachable, returning an error if the
	// endpoint cannot be dialed (message-queue transport only; the
	// HTTP transport never fails here, it fails per-request).
	Connect(addr string) error
	// Disconnect tears down any resources held for addr.
	Disconnect(addr string)
	Close()
}

type pendingRequest struct {
	retriesLeft int
	timeout     time.Duration
	timer       *time.Timer
	future      *Future
	method      string
	params      []byte
}

// Future is fulfilled exactly once, either by a decoded reply or by a
// timeout/transport error.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) fulfill(result any, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

// Wait blocks for the reply or ctx cancellation.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config carries the strategy fields from spec §4.5's state table:
// serializer, compressor, default timeout, default retries.
type Config struct {
	Serializer     wire.Serializer
	Compressor     wire.Compressor
	DefaultTimeout time.Duration
	DefaultRetries int
	// BackoffPacing governs the delay before a retry is re-emitted.
	// A short constant backoff is used rather than exponential, so
	// re-send timing stays predictable (spec Open Question, resolved
	// in DESIGN.md).
	BackoffPacing time.Duration
}

// WorkerConn is the Worker Connection from spec §4.5.
type WorkerConn struct {
	cfg       Config
	transport Transport

	connMu      sync.Mutex
	active      map[string]struct{}
	ordered     []string
	nextIndex   int

	reqMu    sync.Mutex
	requests map[string]*pendingRequest
}

func New(cfg Config, transport Transport) *WorkerConn {
	if cfg.Serializer == nil {
		cfg.Serializer = wire.JSONSerializer{}
	}
	if cfg.Compressor == nil {
		cfg.Compressor = wire.NoopCompressor{}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.BackoffPacing <= 0 {
		cfg.BackoffPacing = 50 * time.Millisecond
	}
	return &WorkerConn{
		cfg:       cfg,
		transport: transport,
		active:    make(map[string]struct{}),
		requests:  make(map[string]*pendingRequest),
	}
}

// AddConnection adds addr to the active set and re-shuffles the
// round-robin ordering, resetting the cursor — spec §4.5.
func (w *WorkerConn) AddConnection(addr string) error {
	if err := w.transport.Connect(addr); err != nil {
		return err
	}
	w.connMu.Lock()
	w.active[addr] = struct{}{}
	w.reshuffleLocked()
	w.connMu.Unlock()
	return nil
}

// RemoveConnection evicts addr. In-flight requests against it are not
// stranded: their next retry picks a different endpoint from the
// updated set.
func (w *WorkerConn) RemoveConnection(addr string) {
	w.connMu.Lock()
	delete(w.active, addr)
	w.reshuffleLocked()
	w.connMu.Unlock()
	w.transport.Disconnect(addr)
}

// SetConnections replaces the active set wholesale.
func (w *WorkerConn) SetConnections(addrs []string) error {
	w.connMu.Lock()
	old := w.active
	w.active = make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		w.active[a] = struct{}{}
	}
	w.reshuffleLocked()
	w.connMu.Unlock()

	for a := range old {
		if _, stillActive := w.active[a]; !stillActive {
			w.transport.Disconnect(a)
		}
	}
	for _, a := range addrs {
		if _, wasActive := old[a]; !wasActive {
			if err := w.transport.Connect(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// ActiveConnections returns the current connection set.
func (w *WorkerConn) ActiveConnections() []string {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	out := make([]string, 0, len(w.active))
	for a := range w.active {
		out = append(out, a)
	}
	return out
}

func (w *WorkerConn) reshuffleLocked() {
	ordered := make([]string, 0, len(w.active))
	for a := range w.active {
		ordered = append(ordered, a)
	}
	rand.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	w.ordered = ordered
	w.nextIndex = 0
}

func (w *WorkerConn) nextEndpoint() (string, bool) {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if len(w.ordered) == 0 {
		return "", false
	}
	addr := w.ordered[w.nextIndex%len(w.ordered)]
	w.nextIndex = (w.nextIndex + 1) % len(w.ordered)
	return addr, true
}

// Invoke encodes {method, params}, records the request, emits it to
// the next endpoint, and arms a timeout/retry timer — spec §4.5
// invoke() steps 1-6.
func (w *WorkerConn) Invoke(ctx context.Context, method string, params any, timeout time.Duration, retries int) (*Future, error) {
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	if retries < 0 {
		retries = w.cfg.DefaultRetries
	}

	paramBody, err := w.cfg.Serializer.Encode(params)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	future := newFuture()
	pending := &pendingRequest{
		retriesLeft: retries,
		timeout:     timeout,
		future:      future,
		method:      method,
		params:      paramBody,
	}

	w.reqMu.Lock()
	w.requests[requestID] = pending
	w.reqMu.Unlock()

	if err := w.send(ctx, requestID, pending); err != nil {
		w.reqMu.Lock()
		delete(w.requests, requestID)
		w.reqMu.Unlock()
		return nil, err
	}

	pending.timer = time.AfterFunc(timeout, func() { w.onTimeout(requestID) })
	return future, nil
}

func (w *WorkerConn) send(ctx context.Context, requestID string, pending *pendingRequest) error {
	addr, ok := w.nextEndpoint()
	if !ok {
		return ErrNoConnections
	}
	frame, err := encodeRequest(w.cfg.Serializer, w.cfg.Compressor, pending.method, pending.params)
	if err != nil {
		return err
	}
	return w.transport.Send(ctx, addr, requestID, frame)
}

// onTimeout implements spec §4.5 "on timer fire": retry to the next
// endpoint while retries remain, otherwise fulfill with a timeout
// error and evict. The retry delay comes from cfg.BackoffPacing via
// backoff.NewConstantBackOff so pacing is pluggable without disturbing
// the retries_left budget.
func (w *WorkerConn) onTimeout(requestID string) {
	w.reqMu.Lock()
	pending, ok := w.requests[requestID]
	if !ok {
		w.reqMu.Unlock()
		return
	}
	if pending.retriesLeft <= 0 {
		delete(w.requests, requestID)
		w.reqMu.Unlock()
		pending.future.fulfill(nil, toto.New(toto.ErrServer, "worker request timed out"))
		return
	}
	pending.retriesLeft--
	w.reqMu.Unlock()

	pacer := backoff.NewConstantBackOff(w.cfg.BackoffPacing)
	delay := pacer.NextBackOff()
	time.AfterFunc(delay, func() {
		if err := w.send(context.Background(), requestID, pending); err != nil {
			w.reqMu.Lock()
			delete(w.requests, requestID)
			w.reqMu.Unlock()
			pending.future.fulfill(nil, toto.Wrap(err))
			return
		}
		pending.timer = time.AfterFunc(pending.timeout, func() { w.onTimeout(requestID) })
	})
}

// OnReply looks up requestID and fulfills its future; unknown ids
// (already timed out and evicted) are ignored — spec §4.5.
func (w *WorkerConn) OnReply(requestID string, payload []byte, isError bool) {
	w.reqMu.Lock()
	pending, ok := w.requests[requestID]
	if ok {
		delete(w.requests, requestID)
	}
	w.reqMu.Unlock()
	if !ok {
		return
	}
	if pending.timer != nil {
		pending.timer.Stop()
	}

	if isError {
		var errVal wire.ErrorValue
		if err := decodeReplyInto(w.cfg.Serializer, w.cfg.Compressor, payload, &errVal); err != nil {
			pending.future.fulfill(nil, toto.Wrap(err))
			return
		}
		pending.future.fulfill(nil, toto.New(toto.Code(errVal.Code), errVal.Value))
		return
	}

	var result any
	if len(payload) > 0 {
		if err := decodeReplyInto(w.cfg.Serializer, w.cfg.Compressor, payload, &result); err != nil {
			pending.future.fulfill(nil, toto.Wrap(err))
			return
		}
	}
	pending.future.fulfill(result, nil)
}

// OnTransportError logs a connection-level failure (a persistent
// message-queue socket dropping, independent of any one request). It
// does not remove the endpoint from the active set; a dropped
// connection's in-flight requests resolve through their timers, which
// retry (round-robin, possibly on the same endpoint) or time out.
// Per-call send failures (an immediate dial/write error) are surfaced
// from send()'s error return in Invoke and onTimeout's retry path; an
// HTTP status of 300 or above arrives through OnReply as an error
// reply.
func (w *WorkerConn) OnTransportError(addr string, err error) {
	log.Error().Err(err).Str("addr", addr).Msg("toto: worker connection transport error")
}

// Close releases the underlying transport.
func (w *WorkerConn) Close() {
	w.transport.Close()
}
