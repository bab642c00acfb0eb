package workerconn

import (
	"context"
	"testing"
	"time"
)

// fakeTransport records sends and lets a test fulfill replies directly,
// without a real socket — enough to exercise WorkerConn's own state
// machine (round robin, timeout, retry) in isolation.
type fakeTransport struct {
	onReply func(requestID string, payload []byte, isError bool)
	onError func(addr string, err error)
	sent    []string // addr per Send call, in order
	fail    map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[string]bool)}
}

func (t *fakeTransport) Connect(addr string) error { return nil }
func (t *fakeTransport) Disconnect(addr string)    {}
func (t *fakeTransport) Close()                    {}

func (t *fakeTransport) Send(ctx context.Context, addr, requestID string, payload []byte) error {
	t.sent = append(t.sent, addr)
	if t.fail[addr] {
		return context.DeadlineExceeded
	}
	return nil
}

func TestInvokeRoundRobinsAcrossEndpoints(t *testing.T) {
	transport := newFakeTransport()
	wc := New(Config{DefaultTimeout: time.Minute}, transport)
	transport.onReply = wc.OnReply

	addrs := []string{"a:1", "b:1", "c:1"}
	if err := wc.SetConnections(addrs); err != nil {
		t.Fatalf("SetConnections: %v", err)
	}

	const calls = 9
	for i := 0; i < calls; i++ {
		if _, err := wc.Invoke(context.Background(), "echo", nil, 0, 0); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}

	counts := map[string]int{}
	for _, addr := range transport.sent {
		counts[addr]++
	}
	for _, addr := range addrs {
		if counts[addr] != calls/len(addrs) {
			t.Fatalf("expected %d sends to %s, got %d (counts=%v)", calls/len(addrs), addr, counts[addr], counts)
		}
	}
}

func TestInvokeFulfillsOnReply(t *testing.T) {
	wc := New(Config{DefaultTimeout: time.Minute}, nil)
	transport := newFakeTransportWithReply(wc.OnReply)
	wc.transport = transport

	if err := wc.AddConnection("worker:1"); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	future, err := wc.Invoke(context.Background(), "echo", map[string]any{"x": 1}, 0, 0)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	result, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
}

// replyingTransport immediately calls back onReply with a canned
// success body, simulating a worker that answers instantly.
type replyingTransport struct {
	onReply func(requestID string, payload []byte, isError bool)
}

func newFakeTransportWithReply(onReply func(requestID string, payload []byte, isError bool)) *replyingTransport {
	return &replyingTransport{onReply: onReply}
}

func (t *replyingTransport) Connect(addr string) error { return nil }
func (t *replyingTransport) Disconnect(addr string)    {}
func (t *replyingTransport) Close()                    {}

func (t *replyingTransport) Send(ctx context.Context, addr, requestID string, payload []byte) error {
	go t.onReply(requestID, []byte(`"ok"`), false)
	return nil
}

func TestInvokeTimesOutWithNoRetries(t *testing.T) {
	transport := &silentTransport{}
	wc := New(Config{DefaultTimeout: 20 * time.Millisecond}, transport)
	transport.onReply = wc.OnReply

	if err := wc.AddConnection("worker:1"); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	future, err := wc.Invoke(context.Background(), "echo", nil, 20*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	_, err = future.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	transport := &silentTransport{}
	wc := New(Config{DefaultTimeout: 20 * time.Millisecond, BackoffPacing: 5 * time.Millisecond}, transport)
	transport.onReply = wc.OnReply

	if err := wc.AddConnection("worker:1"); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := wc.AddConnection("worker:2"); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	future, err := wc.Invoke(context.Background(), "echo", nil, 20*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	// Let the first send time out, then answer the retry.
	go func() {
		time.Sleep(30 * time.Millisecond)
		wc.reqMu.Lock()
		var requestID string
		for id := range wc.requests {
			requestID = id
		}
		wc.reqMu.Unlock()
		if requestID != "" {
			wc.OnReply(requestID, []byte(`"ok"`), false)
		}
	}()

	result, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %v", result)
	}
}

// silentTransport never replies on its own — used to force a timeout
// or let a test fulfill the reply manually mid-retry.
type silentTransport struct {
	onReply func(requestID string, payload []byte, isError bool)
}

func (t *silentTransport) Connect(addr string) error { return nil }
func (t *silentTransport) Disconnect(addr string)    {}
func (t *silentTransport) Close()                    {}
func (t *silentTransport) Send(ctx context.Context, addr, requestID string, payload []byte) error {
	return nil
}

func TestInvokeWithNoConnectionsFailsFast(t *testing.T) {
	wc := New(Config{}, newFakeTransport())
	_, err := wc.Invoke(context.Background(), "echo", nil, time.Second, 0)
	if err != ErrNoConnections {
		t.Fatalf("expected ErrNoConnections, got %v", err)
	}
}
