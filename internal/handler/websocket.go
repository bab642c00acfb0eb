package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/toto"
	"github.com/jeremyot/toto/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket implements spec §4.7/§6's WebSocket transport: one
// envelope per text/binary frame, the same dispatch path as HTTP,
// response written back on the same frame type it arrived on.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("toto: websocket upgrade failed")
		return
	}
	defer conn.Close()

	sessionID := r.Header.Get(headerSessionID)

	for {
		messageType, body, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env := &wire.Envelope{}
		if err := h.cfg.Serializer.Decode(body, env); err != nil {
			h.writeWSError(conn, messageType, err)
			continue
		}

		sess, err := h.loadSession(r.Context(), sessionID)
		if err != nil {
			h.writeWSError(conn, messageType, err)
			continue
		}
		if err := h.verifyRequestHMAC(sess, body, r.Header.Get(headerHMAC)); err != nil {
			h.writeWSError(conn, messageType, err)
			continue
		}

		h.dispatchEnvelope(r.Context(), env, sess, func(resp *wire.Envelope, finalSess *session.Session) {
			h.writeWSEnvelope(conn, messageType, resp, finalSess)
		})
	}
}

func (h *Handler) writeWSEnvelope(conn *websocket.Conn, messageType int, env *wire.Envelope, sess *session.Session) {
	if sess != nil {
		env.Session = &wire.SessionValue{SessionID: sess.SessionID, Expires: sess.Expires, UserID: sess.UserID}
	}
	body, err := h.cfg.Serializer.Encode(env)
	if err != nil {
		log.Error().Err(err).Msg("toto: failed to encode websocket response")
		return
	}
	if err := conn.WriteMessage(messageType, body); err != nil {
		log.Error().Err(err).Msg("toto: failed to write websocket response")
	}
}

func (h *Handler) writeWSError(conn *websocket.Conn, messageType int, err error) {
	te := toto.AsError(err)
	env := &wire.Envelope{Error: &wire.ErrorValue{Code: int(te.Code), Value: te.Value}}
	h.writeWSEnvelope(conn, messageType, env, nil)
}
