// Package handler implements the Request Handler pipeline from spec
// §4.7: parse -> CORS -> batch/single -> resolve method -> session/
// HMAC -> invoke -> respond with a signed response. HTTP transport
// uses github.com/go-chi/chi/v5; WebSocket uses
// github.com/gorilla/websocket.
package handler

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/sessioncache"
	"github.com/jeremyot/toto/internal/wire"
)

// HMACKeyMode selects which key a request/response HMAC is computed
// against — spec §9's Open Question (b), resolved here as a runtime
// switch rather than a hardcoded choice.
type HMACKeyMode int

const (
	// HMACKeyModeUserID keys the HMAC on the session's user id —
	// appropriate for server-held sessions where the store is trusted.
	HMACKeyModeUserID HMACKeyMode = iota
	// HMACKeyModeSessionKey keys the HMAC on the session's own signing
	// key — required for sealed (client-held) sessions, where there is
	// no server-side store to consult.
	HMACKeyModeSessionKey
)

// Config wires every pluggable strategy the pipeline needs.
type Config struct {
	Methods    *methodregistry.Registry
	Store      session.Store
	Cache      sessioncache.Cache // optional; nil disables the cache tier
	Serializer wire.Serializer
	Compressor wire.Compressor

	HMACEnabled bool
	HMACKeyMode HMACKeyMode
	CookieMode  bool
	CookieName  string

	// AllowedOrigins, if non-empty, restricts CORS responses; "*"
	// matches any origin.
	AllowedOrigins []string

	// MethodCacheSize bounds the LRU in front of Methods.Resolve —
	// spec §4.7 step 4's "cache resolutions" instruction.
	MethodCacheSize int

	TTL session.TTL
}

// Handler is the Request Handler from spec §4.7.
type Handler struct {
	cfg         Config
	methodCache *lru.Cache[string, *methodregistry.Entry]
}

func New(cfg Config) *Handler {
	if cfg.Serializer == nil {
		cfg.Serializer = wire.JSONSerializer{}
	}
	if cfg.Compressor == nil {
		cfg.Compressor = wire.NoopCompressor{}
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "toto_session"
	}
	if cfg.MethodCacheSize <= 0 {
		cfg.MethodCacheSize = 512
	}
	if cfg.TTL == (session.TTL{}) {
		cfg.TTL = session.DefaultTTL
	}
	cache, _ := lru.New[string, *methodregistry.Entry](cfg.MethodCacheSize)
	return &Handler{cfg: cfg, methodCache: cache}
}

func (h *Handler) resolveMethod(name string) (*methodregistry.Entry, bool) {
	if entry, ok := h.methodCache.Get(name); ok {
		return entry, true
	}
	entry, ok := h.cfg.Methods.Resolve(name)
	if ok {
		h.methodCache.Add(name, entry)
	}
	return entry, ok
}
