package eventbus

import (
	"bufio"
	"encoding/binary"
	"io"
)

// writeFrame writes a length-prefixed frame: a big-endian uint32
// length followed by that many bytes. No message-queue client library
// (ZeroMQ, NATS, RabbitMQ) is a dependency anywhere in the example
// pack, so the push/pull sockets spec §4.4/§6 describes are built
// directly on net.Conn with this framing, the level the pack reaches
// for raw protocol work (see it2konst-gametunnel-core's transport
// layer).
func writeFrame(w io.Writer, payload []byte) error {
	return WriteFrame(w, payload)
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	return ReadFrame(r)
}

// WriteFrame writes a length-prefixed frame. Exported so
// internal/workerconn and internal/workersvc can reuse the same wire
// framing for their message-queue-style transport binding (spec
// §4.5/§4.6) without duplicating it.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame written by WriteFrame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
