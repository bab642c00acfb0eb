// Package methods implements the built-in system methods spec §4.1
// exposes as RPC calls on top of a session.Store: account creation,
// login, session inspection, logout, and password management — the
// Go rendering of a toto application's own methods/account.py module,
// generalized here into a reusable registrar so cmd/totoserver (and
// any test harness) gets the spec §8 end-to-end scenarios for free
// instead of re-implementing them per binary.
package methods

import (
	"fmt"

	"github.com/jeremyot/toto/internal/handler"
	"github.com/jeremyot/toto/internal/methodregistry"
	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/toto"
)

// Register adds account.create, account.login (aliased as login),
// verify_session, remove_session, clear_sessions, change_password,
// and generate_password to reg, all backed by store.
func Register(reg *methodregistry.Registry, store session.Store) error {
	entries := []methodregistry.Entry{
		{
			Name:     "account.create",
			Fn:       createAccount(store),
			Requires: []string{"user_id", "password"},
		},
		{
			Name:     "login",
			Fn:       login(store),
			Requires: []string{"user_id", "password"},
		},
		{
			// spec §8's bad-login scenario calls this "account.login";
			// its happy-path scenario calls the same operation "login".
			// Both names resolve to the identical handler.
			Name:     "account.login",
			Fn:       login(store),
			Requires: []string{"user_id", "password"},
		},
		{
			Name: "verify_session",
			Fn:   verifySession(),
			Tags: methodregistry.Authenticated,
		},
		{
			Name: "remove_session",
			Fn:   removeSession(store),
			Tags: methodregistry.Authenticated,
		},
		{
			Name:     "clear_sessions",
			Fn:       clearSessions(store),
			Tags:     methodregistry.Authenticated,
			Requires: []string{"user_id"},
		},
		{
			Name:     "change_password",
			Fn:       changePassword(store),
			Tags:     methodregistry.Authenticated,
			Requires: []string{"password"},
		},
		{
			Name: "generate_password",
			Fn:   generatePassword(),
		},
	}
	for _, e := range entries {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

func requestContext(ctx any) (*handler.RequestContext, error) {
	rc, ok := ctx.(*handler.RequestContext)
	if !ok {
		return nil, toto.New(toto.ErrServer, "methods: handler did not provide a *handler.RequestContext")
	}
	return rc, nil
}

func createAccount(store session.Store) methodregistry.Handler {
	return func(ctx any, params map[string]any) (any, error) {
		rc, err := requestContext(ctx)
		if err != nil {
			return nil, err
		}
		userID, _ := params["user_id"].(string)
		password, _ := params["password"].(string)
		extra, _ := params["extra"].(map[string]any)

		if _, err := store.CreateAccount(rc.Ctx, userID, password, extra); err != nil {
			return nil, err
		}
		sess, err := store.CreateSession(rc.Ctx, userID, password, false)
		if err != nil {
			return nil, err
		}
		rc.Session = sess
		return map[string]any{"user_id": sess.UserID}, nil
	}
}

func login(store session.Store) methodregistry.Handler {
	return func(ctx any, params map[string]any) (any, error) {
		rc, err := requestContext(ctx)
		if err != nil {
			return nil, err
		}
		userID, _ := params["user_id"].(string)
		password, _ := params["password"].(string)

		sess, err := store.CreateSession(rc.Ctx, userID, password, true)
		if err != nil {
			return nil, err
		}
		rc.Session = sess
		return map[string]any{"user_id": sess.UserID}, nil
	}
}

func verifySession() methodregistry.Handler {
	return func(ctx any, params map[string]any) (any, error) {
		rc, err := requestContext(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"user_id": rc.Session.UserID}, nil
	}
}

func removeSession(store session.Store) methodregistry.Handler {
	return func(ctx any, params map[string]any) (any, error) {
		rc, err := requestContext(ctx)
		if err != nil {
			return nil, err
		}
		if err := store.RemoveSession(rc.Ctx, rc.Session.SessionID); err != nil {
			return nil, err
		}
		rc.Session = nil
		return map[string]any{}, nil
	}
}

func clearSessions(store session.Store) methodregistry.Handler {
	return func(ctx any, params map[string]any) (any, error) {
		rc, err := requestContext(ctx)
		if err != nil {
			return nil, err
		}
		userID, _ := params["user_id"].(string)
		if err := store.ClearSessions(rc.Ctx, userID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
}

func changePassword(store session.Store) methodregistry.Handler {
	return func(ctx any, params map[string]any) (any, error) {
		rc, err := requestContext(ctx)
		if err != nil {
			return nil, err
		}
		password, _ := params["password"].(string)
		if err := store.ChangePassword(rc.Ctx, rc.Session.UserID, password); err != nil {
			return nil, err
		}
		if err := store.ClearSessions(rc.Ctx, rc.Session.UserID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
}

func generatePassword() methodregistry.Handler {
	return func(ctx any, params map[string]any) (any, error) {
		length := 20
		if v, ok := params["length"].(float64); ok && v > 0 {
			length = int(v)
		}
		password, err := session.GeneratePassword(length)
		if err != nil {
			return nil, fmt.Errorf("methods: generate_password: %w", err)
		}
		return map[string]any{"password": password}, nil
	}
}
