package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/toto"
	"github.com/jeremyot/toto/internal/wire"
)

// Router builds the chi mux from spec §4.7/§6: POST /<a>/<b>/<c> with
// a dotted-path envelope body, GET /<method>?k=v for query-string
// calls, and a CORS preflight on every route.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Method(http.MethodOptions, "/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	r.Post("/*", h.handlePost)
	r.Get("/*", h.handleGet)
	r.Get("/ws", h.handleWebSocket)
	return r
}

// corsMiddleware implements spec §4.7 step 2: every response carries
// the allowed headers/methods/origin; OPTIONS never reaches a method.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(h.cfg.AllowedOrigins) == 0 {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", headerSessionID+", "+headerHMAC+", Content-Type")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handlePost implements the envelope-body branch of spec §4.7: parse,
// dotted-path method from the URL when the body omits one, resolve
// session/HMAC, dispatch, respond.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, toto.New(toto.ErrServer, err.Error()))
		return
	}

	env, err := h.parseEnvelope(r, body)
	if err != nil {
		h.writeError(w, toto.Wrap(err))
		return
	}
	if env.Method == "" {
		env.Method = dottedPathFromURL(r.URL.Path)
	}

	h.serve(w, r, env, body)
}

// handleGet implements the query-string branch of spec §4.7/§6:
// GET /<method>?k=v, no body to HMAC-verify against.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	env := &wire.Envelope{Method: dottedPathFromURL(r.URL.Path), Parameters: queryToParams(r.URL.Query())}
	h.serve(w, r, env, nil)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, env *wire.Envelope, body []byte) {
	sessionID := r.Header.Get(headerSessionID)
	if sessionID == "" && h.cfg.CookieMode {
		if c, err := r.Cookie(h.cfg.CookieName); err == nil {
			sessionID = c.Value
		}
	}

	sess, err := h.loadSession(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, toto.Wrap(err))
		return
	}

	if err := h.verifyRequestHMAC(sess, body, r.Header.Get(headerHMAC)); err != nil {
		h.writeError(w, err)
		return
	}

	// raw_response/jsonp/error_redirect (spec §4.7 decorator set) only
	// apply to a single, non-batch envelope — a batch's per-item
	// responses are always standard JSON envelopes, since the outer
	// response is itself a map keyed by batch key.
	var entry *methodregistry.Entry
	var jsonpCallback string
	if !env.IsBatch() {
		entry, _ = h.resolveMethod(env.Method)
		if entry != nil && entry.JSONPParam != "" {
			jsonpCallback, _ = env.Parameters[entry.JSONPParam].(string)
		}
	}

	finished := make(chan struct{})
	h.dispatchEnvelope(r.Context(), env, sess, func(resp *wire.Envelope, finalSess *session.Session) {
		h.writeFinalResponse(w, r, resp, finalSess, entry, jsonpCallback)
		close(finished)
	})
	<-finished
}

// writeFinalResponse applies the decorator-driven response shaping
// (raw_response, jsonp, error_redirect) before falling back to the
// standard signed envelope write.
func (h *Handler) writeFinalResponse(w http.ResponseWriter, r *http.Request, resp *wire.Envelope, sess *session.Session, entry *methodregistry.Entry, jsonpCallback string) {
	if entry == nil {
		h.writeEnvelope(w, resp, sess)
		return
	}

	if resp.Error != nil && entry.ErrorRedirect != nil {
		target, ok := entry.ErrorRedirect[resp.Error.Code]
		if !ok {
			target = entry.DefaultRedirect
		}
		if target != "" {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}

	if entry.Tags.Has(methodregistry.RawResponse) && resp.Error == nil {
		raw, ok := resp.Result.([]byte)
		if ok {
			w.WriteHeader(http.StatusOK)
			w.Write(raw)
			return
		}
	}

	if jsonpCallback != "" {
		h.writeJSONP(w, resp, jsonpCallback)
		return
	}

	h.writeEnvelope(w, resp, sess)
}

func (h *Handler) writeJSONP(w http.ResponseWriter, resp *wire.Envelope, param string) {
	body, err := h.cfg.Serializer.Encode(resp)
	if err != nil {
		log.Error().Err(err).Msg("toto: failed to encode jsonp response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(param))
	w.Write([]byte("("))
	w.Write(body)
	w.Write([]byte(")"))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func (h *Handler) parseEnvelope(r *http.Request, body []byte) (*wire.Envelope, error) {
	contentType := r.Header.Get("Content-Type")
	env := &wire.Envelope{}

	switch {
	case len(body) == 0:
		return env, nil
	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, err
		}
		env.Method = r.FormValue("method")
		env.Parameters = formToParams(r.MultipartForm.Value)
		return env, nil
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		env.Method = values.Get("method")
		env.Parameters = queryToParams(values)
		return env, nil
	default:
		if err := json.Unmarshal(body, env); err != nil {
			return nil, err
		}
		return env, nil
	}
}

func dottedPathFromURL(path string) string {
	path = strings.Trim(path, "/")
	return strings.ReplaceAll(path, "/", ".")
}

func queryToParams(values url.Values) map[string]any {
	params := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			params[k] = v[0]
		} else {
			params[k] = v
		}
	}
	return params
}

func formToParams(values map[string][]string) map[string]any {
	params := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			params[k] = v[0]
		} else {
			params[k] = v
		}
	}
	return params
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	te := toto.AsError(err)
	env := &wire.Envelope{Error: &wire.ErrorValue{Code: int(te.Code), Value: te.Value}}
	h.writeEnvelope(w, env, nil)
}

// writeEnvelope implements spec §4.7 step 7: when a session exists,
// attach a response HMAC header (if HMAC is enabled) and, in cookie
// mode, refresh the session cookie, then write the serialized envelope. Error responses
// still carry HTTP 200 — the wire-level error taxonomy lives in the
// envelope body, not the status line.
func (h *Handler) writeEnvelope(w http.ResponseWriter, env *wire.Envelope, sess *session.Session) {
	if sess != nil {
		env.Session = &wire.SessionValue{SessionID: sess.SessionID, Expires: sess.Expires, UserID: sess.UserID}
	}

	body, err := h.cfg.Serializer.Encode(env)
	if err != nil {
		log.Error().Err(err).Msg("toto: failed to encode response envelope")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if sess != nil {
		if mac := h.responseHMAC(sess, body); mac != "" {
			w.Header().Set(headerHMAC, mac)
		}
		if h.cfg.CookieMode {
			http.SetCookie(w, &http.Cookie{
				Name:     h.cfg.CookieName,
				Value:    sess.SessionID,
				Path:     "/",
				HttpOnly: true,
			})
		}
	}

	w.Header().Set("Content-Type", h.cfg.Serializer.MimeType())
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
