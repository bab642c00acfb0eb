package workersvc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/toto"
	"github.com/jeremyot/toto/internal/workerconn"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeAddr: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newEchoRegistry(t *testing.T) *methodregistry.Registry {
	t.Helper()
	reg := methodregistry.New()
	reg.MustRegister(methodregistry.Entry{
		Name: "echo",
		Fn: func(ctx any, params map[string]any) (any, error) {
			return params["value"], nil
		},
	})
	reg.MustRegister(methodregistry.Entry{
		Name: "boom",
		Fn: func(ctx any, params map[string]any) (any, error) {
			return nil, toto.New(toto.ErrInvalidUserID, "nope")
		},
	})
	return reg
}

func TestWorkerConnInvokeOverMQTransport(t *testing.T) {
	addr := freeAddr(t)
	svc := New(Config{ListenAddr: addr, Processes: 2}, newEchoRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the listener bind

	var wc *workerconn.WorkerConn
	transport := workerconn.NewMQTransport(
		func(requestID string, payload []byte, isError bool) { wc.OnReply(requestID, payload, isError) },
		func(addr string, err error) {},
	)
	wc = workerconn.New(workerconn.Config{DefaultTimeout: 2 * time.Second}, transport)

	if err := wc.AddConnection(addr); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	future, err := wc.Invoke(context.Background(), "echo", map[string]any{"value": "hello"}, 0, 0)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	result, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "hello" {
		t.Fatalf("expected hello, got %v", result)
	}
}

func TestWorkerConnInvokeErrorMapsToTotoError(t *testing.T) {
	addr := freeAddr(t)
	svc := New(Config{ListenAddr: addr, Processes: 1}, newEchoRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	var wc *workerconn.WorkerConn
	transport := workerconn.NewMQTransport(
		func(requestID string, payload []byte, isError bool) { wc.OnReply(requestID, payload, isError) },
		func(addr string, err error) {},
	)
	wc = workerconn.New(workerconn.Config{DefaultTimeout: 2 * time.Second}, transport)

	if err := wc.AddConnection(addr); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	future, err := wc.Invoke(context.Background(), "boom", nil, 0, 0)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	_, err = future.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
	te := toto.AsError(err)
	if te.Code != toto.ErrInvalidUserID {
		t.Fatalf("expected code %d, got %d", toto.ErrInvalidUserID, te.Code)
	}
}

func TestWorkerConnUnknownMethod(t *testing.T) {
	addr := freeAddr(t)
	svc := New(Config{ListenAddr: addr, Processes: 1}, newEchoRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	var wc *workerconn.WorkerConn
	transport := workerconn.NewMQTransport(
		func(requestID string, payload []byte, isError bool) { wc.OnReply(requestID, payload, isError) },
		func(addr string, err error) {},
	)
	wc = workerconn.New(workerconn.Config{DefaultTimeout: 2 * time.Second}, transport)

	if err := wc.AddConnection(addr); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	future, err := wc.Invoke(context.Background(), "does.not.exist", nil, 0, 0)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	_, err = future.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected an error")
	}
	te := toto.AsError(err)
	if te.Code != toto.ErrUnknownMethod {
		t.Fatalf("expected code %d, got %d", toto.ErrUnknownMethod, te.Code)
	}
}
