package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/toto"
	"github.com/jeremyot/toto/internal/wire"
)

// RequestContext is what a registered method's Fn receives as its
// "ctx any" argument — request-scoped state the HTTP/WebSocket
// transport builds before dispatch.
type RequestContext struct {
	Ctx     context.Context
	Session *session.Session
	Finish  bool // not read or set by dispatch
}

// Finished reports whether this request's lifetime has ended, the
// internal/eventbus.Finisher contract for handlers tied to a request.
func (rc *RequestContext) Finished() bool {
	select {
	case <-rc.Ctx.Done():
		return true
	default:
		return false
	}
}

// respondFunc is how dispatch hands a (result, err, session) triple
// back to the transport — a plain function for single envelopes, and
// a batch-aware proxy for batched ones. sess is the request's session
// as it stood after invocation: a method that created or replaced
// rc.Session (account.create, login) is reflected here so the
// transport signs and attaches the new session instead of the one the
// request arrived with.
type respondFunc func(result any, err error, sess *session.Session)

// dispatchOne runs spec §4.7 steps 4-6 for a single envelope: resolve
// the method, enforce its decorators, invoke it, and hand the result
// to respond. sess may be nil (no session attached to the request).
func (h *Handler) dispatchOne(ctx context.Context, env *wire.Envelope, sess *session.Session, respond respondFunc) {
	if env.Method == "" {
		respond(nil, toto.New(toto.ErrMissingMethod, nil), sess)
		return
	}

	entry, ok := h.resolveMethod(env.Method)
	if !ok {
		respond(nil, toto.New(toto.ErrUnknownMethod, fmt.Sprintf("Cannot call '%s'.", env.Method)), sess)
		return
	}

	if err := h.checkSessionPolicy(entry, sess); err != nil {
		respond(nil, err, sess)
		return
	}

	params := env.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if entry.DefaultParameters != nil {
		params = mergeDefaults(params, entry.DefaultParameters)
	}
	for _, key := range entry.Requires {
		if _, present := params[key]; !present {
			respond(nil, toto.New(toto.ErrMissingParams, key), sess)
			return
		}
	}
	if entry.Tags.Has(methodregistry.AuthenticatedWithParameter) {
		if !h.verifyParameterAuth(ctx, params, sess) {
			respond(nil, toto.New(toto.ErrNotAuthorized, nil), sess)
			return
		}
	}

	rc := &RequestContext{Ctx: ctx, Session: sess}

	if entry.Tags.Has(methodregistry.Asynchronous) {
		// dispatch returns immediately; the method runs on its own
		// goroutine and its return value is responded with once it
		// returns. The method is not handed a respond callback.
		go h.invoke(entry, rc, params, func(result any, err error) { respond(result, err, rc.Session) })
		return
	}

	result, err := h.invoke(entry, rc, params, nil)
	respond(result, err, rc.Session)
}

// invoke calls entry.Fn, recovering a panic into ERROR_SERVER exactly
// as the worker-side dispatcher does. asyncRespond, when non-nil, is
// called by invoke itself with the method's result or error (including
// a recovered panic) once Fn returns (the asynchronous path); invoke
// also returns that result for the direct path, ignored by callers
// that went asynchronous. A method is free to set rc.Session (account.create, login) to have
// its new session attached to the response instead of the one the
// request arrived with.
func (h *Handler) invoke(entry *methodregistry.Entry, rc *RequestContext, params map[string]any, asyncRespond func(result any, err error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = toto.New(toto.ErrServer, r)
			log.Error().Interface("panic", r).Str("method", entry.Name).Msg("toto: method panicked")
		}
		if asyncRespond != nil {
			asyncRespond(result, err)
		}
	}()
	result, err = entry.Fn(rc, params)
	return result, err
}

func (h *Handler) checkSessionPolicy(entry *methodregistry.Entry, sess *session.Session) error {
	switch {
	case entry.Tags.Has(methodregistry.Authenticated):
		if sess == nil || sess.UserID == "" {
			return toto.New(toto.ErrNotAuthorized, nil)
		}
	case entry.Tags.Has(methodregistry.AnonymousSession):
		if sess == nil {
			return toto.New(toto.ErrNotAuthorized, nil)
		}
	case entry.Tags.Has(methodregistry.OptionallyAuthenticated):
		// No policy to enforce; sess may be nil or authenticated.
	}
	return nil
}

func (h *Handler) verifyParameterAuth(ctx context.Context, params map[string]any, sess *session.Session) bool {
	userID, _ := params["user_id"].(string)
	password, _ := params["password"].(string)
	if userID == "" || password == "" {
		return false
	}
	account, err := h.cfg.Store.Account(ctx, userID)
	if err != nil || account == nil {
		return false
	}
	return session.VerifyPassword(password, account)
}

func mergeDefaults(params, defaults map[string]any) map[string]any {
	merged := make(map[string]any, len(params)+len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// dispatchEnvelope implements spec §4.7 step 3: a batch envelope fans
// out to dispatchOne per entry with a proxy respond that records into
// the batch's response map, firing done only once every key has
// answered (including async items, per the batch-completion rule);
// a non-batch envelope dispatches directly and calls done once. done
// receives the session the response should be signed/attached
// against — for a batch this is always the request's original
// session (per-item session replacement doesn't apply to a batch
// fan-out; see serve()'s decorator comment for the same scoping
// choice on raw_response/jsonp/error_redirect).
func (h *Handler) dispatchEnvelope(ctx context.Context, env *wire.Envelope, sess *session.Session, done func(*wire.Envelope, *session.Session)) {
	if !env.IsBatch() {
		h.dispatchOne(ctx, env, sess, func(result any, err error, finalSess *session.Session) {
			done(buildResponseEnvelope(result, err), finalSess)
		})
		return
	}

	var mu sync.Mutex
	remaining := len(env.Batch)
	responses := make(map[string]*wire.Envelope, len(env.Batch))
	if remaining == 0 {
		done(&wire.Envelope{Batch: responses}, sess)
		return
	}

	for key, entryEnv := range env.Batch {
		key, entryEnv := key, entryEnv
		h.dispatchOne(ctx, entryEnv, sess, func(result any, err error, _ *session.Session) {
			mu.Lock()
			responses[key] = buildResponseEnvelope(result, err)
			remaining--
			fire := remaining == 0
			mu.Unlock()
			if fire {
				done(&wire.Envelope{Batch: responses}, sess)
			}
		})
	}
}

func buildResponseEnvelope(result any, err error) *wire.Envelope {
	if err != nil {
		te := toto.AsError(err)
		return &wire.Envelope{Error: &wire.ErrorValue{Code: int(te.Code), Value: te.Value}}
	}
	return &wire.Envelope{Result: result}
}
