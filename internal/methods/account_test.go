package methods

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jeremyot/toto/internal/handler"
	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/toto"
	"github.com/jeremyot/toto/internal/wire"
)

func newServer(t *testing.T) (*httptest.Server, *methodregistry.Registry) {
	t.Helper()
	store := session.NewMemoryStore(session.DefaultTTL)
	reg := methodregistry.New()
	if err := Register(reg, store); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := RegisterDemo(reg); err != nil {
		t.Fatalf("RegisterDemo: %v", err)
	}
	var counter int
	reg.MustRegister(methodregistry.Entry{
		Name: "increment",
		Fn: func(ctx any, params map[string]any) (any, error) {
			counter++
			return map[string]any{"count": counter}, nil
		},
		Tags: methodregistry.Authenticated,
	})

	h := handler.New(handler.Config{Methods: reg, Store: store})
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)
	return server, reg
}

func call(t *testing.T, server *httptest.Server, sessionID string, env wire.Envelope) wire.Envelope {
	t.Helper()
	body, _ := json.Marshal(env)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/", strings.NewReader(string(body)))
	if sessionID != "" {
		req.Header.Set("X-Toto-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	var out wire.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestCreateLoginThenIncrementCounter(t *testing.T) {
	server, _ := newServer(t)

	created := call(t, server, "", wire.Envelope{Method: "account.create", Parameters: map[string]any{
		"user_id": "u-abc123", "password": "pw",
	}})
	if created.Error != nil {
		t.Fatalf("account.create failed: %+v", created.Error)
	}
	if created.Session == nil {
		t.Fatalf("expected account.create to attach a new session")
	}

	verified := call(t, server, created.Session.SessionID, wire.Envelope{Method: "verify_session"})
	if verified.Error != nil {
		t.Fatalf("verify_session failed: %+v", verified.Error)
	}

	loggedIn := call(t, server, "", wire.Envelope{Method: "login", Parameters: map[string]any{
		"user_id": "u-abc123", "password": "pw",
	}})
	if loggedIn.Error != nil {
		t.Fatalf("login failed: %+v", loggedIn.Error)
	}
	if loggedIn.Session.SessionID == created.Session.SessionID {
		t.Fatalf("expected login to mint a different session id than account.create")
	}

	for i := 1; i <= 3; i++ {
		resp := call(t, server, loggedIn.Session.SessionID, wire.Envelope{Method: "increment"})
		if resp.Error != nil {
			t.Fatalf("increment #%d failed: %+v", i, resp.Error)
		}
		result, ok := resp.Result.(map[string]any)
		if !ok || result["count"] != float64(i) {
			t.Fatalf("increment #%d: expected count %d, got %+v", i, i, resp.Result)
		}
	}
}

func TestBadLoginReturnsUserNotFound(t *testing.T) {
	server, _ := newServer(t)
	resp := call(t, server, "", wire.Envelope{Method: "account.login", Parameters: map[string]any{
		"user_id": "nope", "password": "x",
	}})
	if resp.Error == nil || resp.Error.Code != int(toto.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %+v", resp.Error)
	}
}

func TestBatchReturnValue(t *testing.T) {
	server, _ := newServer(t)
	body, _ := json.Marshal(wire.Envelope{Batch: map[string]*wire.Envelope{
		"k1": {Method: "return_value", Parameters: map[string]any{"arg": "k1"}},
		"k2": {Method: "return_value", Parameters: map[string]any{"arg": "k2"}},
	}})
	resp, err := http.Post(server.URL+"/", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	batch := raw["batch"].(map[string]any)
	k1 := batch["k1"].(map[string]any)["result"].(map[string]any)["parameters"].(map[string]any)
	if k1["arg"] != "k1" {
		t.Fatalf("expected k1 arg 'k1', got %+v", k1)
	}
	k2 := batch["k2"].(map[string]any)["result"].(map[string]any)["parameters"].(map[string]any)
	if k2["arg"] != "k2" {
		t.Fatalf("expected k2 arg 'k2', got %+v", k2)
	}
}

func TestGeneratePassword(t *testing.T) {
	server, _ := newServer(t)
	resp := call(t, server, "", wire.Envelope{Method: "generate_password", Parameters: map[string]any{"length": float64(16)}})
	if resp.Error != nil {
		t.Fatalf("generate_password failed: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if pw, _ := result["password"].(string); len(pw) != 16 {
		t.Fatalf("expected a 16-char password, got %q", pw)
	}
}
