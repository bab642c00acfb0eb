package workerconn

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jeremyot/toto/internal/wire"
)

// HTTPTransport is the HTTP Worker Connection binding from spec §4.5:
// one POST per invocation, Content-Type set from the configured
// serializer, reply body decoded directly — no persistent socket, so
// Connect/Disconnect are bookkeeping only.
type HTTPTransport struct {
	client     *http.Client
	serializer wire.Serializer
	onReply    func(requestID string, payload []byte, isError bool)
	onError    func(addr string, err error)

	mu        sync.Mutex
	endpoints map[string]struct{}
}

func NewHTTPTransport(serializer wire.Serializer, onReply func(requestID string, payload []byte, isError bool), onError func(addr string, err error)) *HTTPTransport {
	if serializer == nil {
		serializer = wire.JSONSerializer{}
	}
	return &HTTPTransport{
		client:     &http.Client{Timeout: 30 * time.Second},
		serializer: serializer,
		onReply:    onReply,
		onError:    onError,
		endpoints:  make(map[string]struct{}),
	}
}

func (t *HTTPTransport) Connect(addr string) error {
	t.mu.Lock()
	t.endpoints[addr] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *HTTPTransport) Disconnect(addr string) {
	t.mu.Lock()
	delete(t.endpoints, addr)
	t.mu.Unlock()
}

// Send issues a synchronous POST and feeds the decoded reply straight
// back through onReply — the HTTP binding has no separate read loop,
// each call is its own round trip. Non-transport HTTP errors (a
// non-2xx status without a structured body) are propagated as
// exceptions on the future via onReply's error flag, matching spec
// §4.5's "non-transport HTTP errors (e.g. 599) are propagated as
// exceptions".
func (t *HTTPTransport) Send(ctx context.Context, addr, requestID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", t.serializer.MimeType())
	req.Header.Set("X-Toto-Request-Id", requestID)

	resp, err := t.client.Do(req)
	if err != nil {
		t.onError(addr, err)
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.onError(addr, err)
		return err
	}

	if resp.StatusCode >= 300 {
		t.onReply(requestID, body, true)
		return nil
	}
	t.onReply(requestID, body, false)
	return nil
}

func (t *HTTPTransport) Close() {}
