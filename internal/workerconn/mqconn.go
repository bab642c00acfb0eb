package workerconn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/eventbus"
)

// Frame is the multi-part frame from spec §4.5's message-queue
// binding, collapsed onto a single net.Conn: a request_id tag plus
// the already-serialized+compressed body. Ack-only replies (the
// asynchronous-method fast ack from §4.6) carry no payload.
type Frame struct {
	RequestID string `json:"request_id"`
	Payload   []byte `json:"payload,omitempty"`
	Error     bool   `json:"error,omitempty"`
}

// endpointConn is one long-lived connection to a worker endpoint.
// Writes are serialized onto a single goroutine (the "internal
// command channel" spec §4.5 calls for) so the connection's socket is
// never touched from two goroutines at once.
type endpointConn struct {
	addr    string
	conn    net.Conn
	writeCh chan Frame
	closeCh chan struct{}
}

// MQTransport is the message-queue-style Transport binding: one
// persistent net.Conn per endpoint, framed with
// internal/eventbus.WriteFrame/ReadFrame.
type MQTransport struct {
	onReply func(requestID string, payload []byte, isError bool)
	onError func(addr string, err error)

	mu    sync.Mutex
	conns map[string]*endpointConn
}

func NewMQTransport(onReply func(requestID string, payload []byte, isError bool), onError func(addr string, err error)) *MQTransport {
	return &MQTransport{
		onReply: onReply,
		onError: onError,
		conns:   make(map[string]*endpointConn),
	}
}

func (t *MQTransport) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	ec := &endpointConn{
		addr:    addr,
		conn:    conn,
		writeCh: make(chan Frame, 64),
		closeCh: make(chan struct{}),
	}
	t.mu.Lock()
	if old, ok := t.conns[addr]; ok {
		close(old.closeCh)
		old.conn.Close()
	}
	t.conns[addr] = ec
	t.mu.Unlock()

	go t.writeLoop(ec)
	go t.readLoop(ec)
	return nil
}

func (t *MQTransport) Disconnect(addr string) {
	t.mu.Lock()
	ec, ok := t.conns[addr]
	if ok {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	if ok {
		close(ec.closeCh)
		ec.conn.Close()
	}
}

func (t *MQTransport) Send(ctx context.Context, addr, requestID string, payload []byte) error {
	t.mu.Lock()
	ec, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		return errors.New("workerconn: unknown endpoint " + addr)
	}
	select {
	case ec.writeCh <- Frame{RequestID: requestID, Payload: payload}:
		return nil
	case <-ec.closeCh:
		return errors.New("workerconn: endpoint closed " + addr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MQTransport) writeLoop(ec *endpointConn) {
	for {
		select {
		case msg := <-ec.writeCh:
			body, err := json.Marshal(msg)
			if err != nil {
				log.Error().Err(err).Msg("toto: worker connection failed to encode frame")
				continue
			}
			if err := eventbus.WriteFrame(ec.conn, body); err != nil {
				t.onError(ec.addr, err)
				return
			}
		case <-ec.closeCh:
			return
		}
	}
}

func (t *MQTransport) readLoop(ec *endpointConn) {
	r := bufio.NewReader(ec.conn)
	for {
		frame, err := eventbus.ReadFrame(r)
		if err != nil {
			select {
			case <-ec.closeCh:
			default:
				t.onError(ec.addr, err)
			}
			return
		}
		var msg Frame
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Error().Err(err).Msg("toto: worker connection failed to decode frame")
			continue
		}
		t.onReply(msg.RequestID, msg.Payload, msg.Error)
	}
}

func (t *MQTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ec := range t.conns {
		close(ec.closeCh)
		ec.conn.Close()
	}
	t.conns = make(map[string]*endpointConn)
}
