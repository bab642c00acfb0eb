// Package workersvc is the server half of the dispatch fabric from
// spec §4.6: N sibling worker goroutines behind a shared balancer
// listener, method resolution via internal/methodregistry, and a
// control channel for status/shutdown.
package workersvc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/eventbus"
	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/toto"
	"github.com/jeremyot/toto/internal/wire"
	"github.com/jeremyot/toto/internal/workerconn"
)

// Config carries the balancer-facing listen address and the sibling
// process/goroutine count from spec §4.6 ("boots N sibling worker
// processes connected to a shared router socket").
type Config struct {
	ListenAddr string
	Processes  int
	Serializer wire.Serializer
	Compressor wire.Compressor
}

// Service is the Worker Service from spec §4.6.
type Service struct {
	cfg      Config
	registry *methodregistry.Registry

	listener net.Listener
	wg       sync.WaitGroup

	shuttingDown atomic.Bool
}

func New(cfg Config, registry *methodregistry.Registry) *Service {
	if cfg.Processes <= 0 {
		cfg.Processes = 1
	}
	if cfg.Serializer == nil {
		cfg.Serializer = wire.JSONSerializer{}
	}
	if cfg.Compressor == nil {
		cfg.Compressor = wire.NoopCompressor{}
	}
	return &Service{cfg: cfg, registry: registry}
}

// Run listens on the balancer address and serves connections until
// ctx is done or Shutdown is called. Each accepted connection is
// handled by one of cfg.Processes concurrent sibling workers sharing
// this single listener — Go's net.Listener.Accept is itself safe to
// call from multiple goroutines, which stands in for the source's N
// sibling OS processes behind a shared router socket.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.wg.Add(s.cfg.Processes)
	errCh := make(chan error, s.cfg.Processes)
	for i := 0; i < s.cfg.Processes; i++ {
		go func() {
			defer s.wg.Done()
			if err := s.acceptLoop(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	s.wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Service) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if s.shuttingDown.Load() {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Service) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	var writeMu sync.Mutex

	for {
		raw, err := eventbus.ReadFrame(r)
		if err != nil {
			return
		}
		var frame workerconn.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Error().Err(err).Msg("toto: worker service failed to decode frame")
			continue
		}

		if s.shuttingDown.Load() {
			continue
		}

		go s.handleRequest(ctx, &writeMu, conn, frame)
	}
}

// handleRequest implements spec §4.6 steps 2-4: decode, resolve by
// dotted path, reply immediately for asynchronous methods (releasing
// the balancer slot before the side effect runs), otherwise invoke
// synchronously and reply with the serialized result or error.
func (s *Service) handleRequest(ctx context.Context, writeMu *sync.Mutex, conn net.Conn, frame workerconn.Frame) {
	method, paramsBody, err := workerconn.DecodeRequest(s.cfg.Serializer, s.cfg.Compressor, frame.Payload)
	if err != nil {
		s.reply(writeMu, conn, frame.RequestID, nil, toto.New(toto.ErrServer, err.Error()))
		return
	}

	entry, ok := s.registry.Resolve(method)
	if !ok {
		s.reply(writeMu, conn, frame.RequestID, nil, toto.New(toto.ErrUnknownMethod, method))
		return
	}

	var params map[string]any
	if len(paramsBody) > 0 {
		if err := s.cfg.Serializer.Decode(paramsBody, &params); err != nil {
			s.reply(writeMu, conn, frame.RequestID, nil, toto.New(toto.ErrMissingParams, err.Error()))
			return
		}
	}

	if entry.Tags.Has(methodregistry.Asynchronous) {
		s.reply(writeMu, conn, frame.RequestID, nil, nil)
		s.invoke(ctx, entry, params)
		return
	}

	result, invokeErr := s.invoke(ctx, entry, params)
	s.reply(writeMu, conn, frame.RequestID, result, invokeErr)
}

func (s *Service) invoke(ctx context.Context, entry *methodregistry.Entry, params map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = toto.New(toto.ErrServer, r)
			log.Error().Interface("panic", r).Str("method", entry.Name).Msg("toto: worker method panicked")
		}
	}()
	return entry.Fn(ctx, params)
}

// reply serializes the error's {code, value} pair as the payload with
// the frame's Error flag set on failure (the payload is not wrapped in
// an outer "error" key), or the raw result otherwise, per spec §4.6 step 4: "a TotoException carries
// its code, any other exception maps to ERROR_SERVER". Writes are
// serialized under writeMu since multiple handleRequest goroutines
// share one connection.
func (s *Service) reply(writeMu *sync.Mutex, conn net.Conn, requestID string, result any, err error) {
	frame := workerconn.Frame{RequestID: requestID}

	if err != nil {
		te := toto.AsError(err)
		body, encErr := s.cfg.Serializer.Encode(wire.ErrorValue{Code: int(te.Code), Value: te.Value})
		if encErr != nil {
			log.Error().Err(encErr).Msg("toto: worker service failed to encode error reply")
			return
		}
		compressed, compErr := s.cfg.Compressor.Compress(body)
		if compErr != nil {
			log.Error().Err(compErr).Msg("toto: worker service failed to compress error reply")
			return
		}
		frame.Payload = compressed
		frame.Error = true
	} else if result != nil {
		body, encErr := s.cfg.Serializer.Encode(result)
		if encErr != nil {
			log.Error().Err(encErr).Msg("toto: worker service failed to encode reply")
			return
		}
		compressed, compErr := s.cfg.Compressor.Compress(body)
		if compErr != nil {
			log.Error().Err(compErr).Msg("toto: worker service failed to compress reply")
			return
		}
		frame.Payload = compressed
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("toto: worker service failed to encode frame")
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := eventbus.WriteFrame(conn, raw); err != nil {
		log.Error().Err(err).Msg("toto: worker service failed to write reply")
	}
}

// Shutdown flips the shutting-down flag so no new request on any
// connection is accepted; messages already dispatched to handleRequest
// still run to completion, matching spec §4.6's "terminates after the
// current message".
func (s *Service) Shutdown() {
	s.shuttingDown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
}

// Status reports whether the service is still running (false once
// Shutdown has been called), the reply to a control-channel "status"
// command.
func (s *Service) Status() bool {
	return !s.shuttingDown.Load()
}
