// Package eventbus implements the pub/sub fan-out from spec §4.4:
// in-process handler registration, a pull-socket listener dispatching
// to registered handlers, and push-socket fan-out with broadcast or
// round-robin delivery.
package eventbus

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/totoctx"
	"github.com/jeremyot/toto/internal/wire"
)

// Finisher lets a handler's lifetime be tied to something else (a
// request handler in particular): a handler whose RequestHandler is
// already Finished is skipped silently, per spec §4.4.
type Finisher interface {
	Finished() bool
}

// HandlerFunc receives a dispatched event's args.
type HandlerFunc func(args any)

type handlerRecord struct {
	fn         HandlerFunc
	onMainLoop bool
	finisher   Finisher
	persist    bool
}

// Bus is the local event bus state from spec §4.4: name -> handler
// set, a connection map of push sockets, and a rotated queue of those
// sockets for round-robin delivery.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*handlerRecord

	connMu      sync.Mutex
	conns       map[string]net.Conn
	rotation    []string
	rotateIndex int

	loop       *totoctx.Loop
	serializer wire.Serializer
	compressor wire.Compressor

	listener net.Listener
	closeCh  chan struct{}
}

// Option configures optional Bus behavior.
type Option func(*Bus)

func WithLoop(loop *totoctx.Loop) Option { return func(b *Bus) { b.loop = loop } }

func WithSerializer(s wire.Serializer) Option { return func(b *Bus) { b.serializer = s } }

func WithCompressor(c wire.Compressor) Option { return func(b *Bus) { b.compressor = c } }

func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:   make(map[string][]*handlerRecord),
		conns:      make(map[string]net.Conn),
		serializer: wire.JSONSerializer{},
		compressor: wire.FlateCompressor{},
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a handler for name. persist=false makes it one-shot:
// it is removed before its single invocation, per spec §4.4. When
// onMainLoop is true, dispatch is forwarded through the Bus's Loop
// rather than run directly on the listener goroutine.
func (b *Bus) On(name string, fn HandlerFunc, onMainLoop, persist bool, finisher Finisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], &handlerRecord{
		fn: fn, onMainLoop: onMainLoop, finisher: finisher, persist: persist,
	})
}

// Listen binds addr and runs the pull-socket listener until ctx is
// done. Each accepted connection is read as a stream of frames, each
// frame an encoded+compressed Message dispatched to its handler set.
func (b *Bus) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	b.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go b.serveConn(ctx, conn)
	}
}

func (b *Bus) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		frame, err := readFrame(r)
		if err != nil {
			return
		}
		msg, err := decodeMessage(b.serializer, b.compressor, frame)
		if err != nil {
			log.Error().Err(err).Msg("toto: event bus failed to decode message")
			continue
		}
		b.dispatch(msg)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dispatch runs every registered handler for msg.Name. Handler
// exceptions are logged and isolated (spec §4.4 failure policy);
// handler-set iteration order is unspecified, matching the source.
func (b *Bus) dispatch(msg Message) {
	b.mu.Lock()
	records := b.handlers[msg.Name]
	var kept []*handlerRecord
	var fire []*handlerRecord
	for _, rec := range records {
		if rec.finisher != nil && rec.finisher.Finished() {
			continue
		}
		if rec.persist {
			kept = append(kept, rec)
		}
		fire = append(fire, rec)
	}
	b.handlers[msg.Name] = kept
	b.mu.Unlock()

	for _, rec := range fire {
		b.invoke(rec, msg.Args)
	}
}

func (b *Bus) invoke(rec *handlerRecord, args any) {
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("toto: event bus handler panicked")
			}
		}()
		rec.fn(args)
	}
	if rec.onMainLoop && b.loop != nil {
		b.loop.Post(run)
		return
	}
	run()
}

// Connect adds addr to the rotated push-socket set used by
// non-broadcast Send calls, per the CONNECT control message in §4.5.
func (b *Bus) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if old, ok := b.conns[addr]; ok {
		old.Close()
	}
	b.conns[addr] = conn
	b.rotation = append(b.rotation, addr)
	return nil
}

// Disconnect removes addr from the push-socket set.
func (b *Bus) Disconnect(addr string) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if conn, ok := b.conns[addr]; ok {
		conn.Close()
		delete(b.conns, addr)
	}
	for i, a := range b.rotation {
		if a == addr {
			b.rotation = append(b.rotation[:i], b.rotation[i+1:]...)
			break
		}
	}
	if b.rotateIndex >= len(b.rotation) {
		b.rotateIndex = 0
	}
}

// Send serializes {name, args} once and writes it either to every
// connected push socket (broadcast) or to the head of the rotated
// queue, advancing the cursor (round robin) — spec §4.4.
func (b *Bus) Send(name string, args any, broadcast bool) error {
	frame, err := encodeMessage(b.serializer, b.compressor, Message{Name: name, Args: args})
	if err != nil {
		return err
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()

	if broadcast {
		var firstErr error
		for _, addr := range b.rotation {
			conn, ok := b.conns[addr]
			if !ok {
				continue
			}
			if err := writeFrame(conn, frame); err != nil && firstErr == nil {
				firstErr = err
				log.Error().Err(err).Str("addr", addr).Msg("toto: event bus broadcast write failed")
			}
		}
		return firstErr
	}

	if len(b.rotation) == 0 {
		return nil
	}
	addr := b.rotation[b.rotateIndex%len(b.rotation)]
	b.rotateIndex = (b.rotateIndex + 1) % len(b.rotation)
	conn, ok := b.conns[addr]
	if !ok {
		return nil
	}
	if err := writeFrame(conn, frame); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("toto: event bus send failed")
		return err
	}
	return nil
}

// Close shuts down the listener and every push-socket connection.
func (b *Bus) Close() {
	if b.listener != nil {
		b.listener.Close()
	}
	b.connMu.Lock()
	for _, conn := range b.conns {
		conn.Close()
	}
	b.connMu.Unlock()
}
