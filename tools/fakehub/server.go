package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/livedash-client-go/live"
)

const (
	closeUnauthorized = 4001
	closeForbidden    = 4003
	maxBodyBytes      = 1 << 20
)

type server struct {
	hub              *hub
	tokens           *tokenStore
	logger           logrus.FieldLogger
	upgrader         websocket.Upgrader
	handshakeTimeout time.Duration
	started          time.Time
}

func newServer(logger logrus.FieldLogger, hub *hub, tokens *tokenStore, handshakeTimeout time.Duration) *server {
	return &server{
		hub:              hub,
		tokens:           tokens,
		logger:           logger,
		handshakeTimeout: handshakeTimeout,
		started:          time.Now(),
	}
}

func (srv *server) routes(gatherer prometheus.Gatherer) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/ws/{identity}", srv.handleSocket)
	router.Post("/push/{identity}", srv.handlePush)
	router.Post("/broadcast", srv.handleBroadcast)
	router.Post("/drop/{identity}", srv.handleDrop)
	router.Get("/admin/status", srv.handleStatus)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return router
}

func jsonResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (srv *server) handleSocket(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	headerVerdict := 0
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := bearerToken(header)
		if !ok || !srv.tokens.authenticate(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		headerVerdict = srv.tokens.authorize(token, identity)
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.WithError(err).Warn("upgrade failed")
		return
	}
	logger := srv.logger.WithField("identity", identity)
	if headerVerdict != 0 {
		logger.Warn("token does not belong to identity")
		srv.reject(conn, headerVerdict)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(srv.handshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		logger.WithError(err).Info("no handshake")
		_ = conn.Close()
		return
	}
	verdict := closeUnauthorized
	if token, ok := handshakeToken(frame); ok {
		verdict = srv.tokens.authorize(token, identity)
	}
	if verdict != 0 {
		logger.WithField("code", verdict).Warn("rejecting handshake")
		srv.reject(conn, verdict)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := srv.hub.add(identity, conn)
	defer func() {
		srv.hub.remove(s)
		_ = conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			logger.WithError(err).Debug("socket read ended")
			return
		}
		if err := srv.reply(s, frame); err != nil {
			logger.WithError(err).Warn("reply failed")
			return
		}
	}
}

func (srv *server) reject(conn *websocket.Conn, code int) {
	text := "unauthorized"
	if code == closeForbidden {
		text = "forbidden"
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = conn.Close()
}

// reply answers pings with pongs and echoes every other envelope.
func (srv *server) reply(s *socket, frame []byte) error {
	envelope, err := live.DecodeEnvelope(frame)
	if err != nil {
		srv.logger.WithError(err).WithField("socket", s.id).Debug("ignoring undecodable frame")
		return nil
	}
	if envelope.Type == live.TypePing {
		return s.write([]byte(`{"type":"pong"}`))
	}
	echo, err := live.NewEnvelope(live.TypeEcho, json.RawMessage(frame))
	if err != nil {
		return err
	}
	rendered, err := live.EncodeEnvelope(echo)
	if err != nil {
		return err
	}
	return s.write(rendered)
}

func readMessage(r *http.Request) (map[string]interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	var message map[string]interface{}
	if err := json.Unmarshal(body, &message); err != nil {
		return nil, err
	}
	if messageType, _ := message["type"].(string); messageType == "" {
		return nil, errors.New("message needs a type")
	}
	return message, nil
}

func (srv *server) handlePush(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	message, err := readMessage(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	delivered, err := srv.hub.sendPersonal(identity, message)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"identity": identity, "delivered": delivered})
}

func (srv *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	message, err := readMessage(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	delivered, err := srv.hub.broadcast(message)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"delivered": delivered})
}

func (srv *server) handleDrop(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	code := websocket.CloseInternalServerErr
	if raw := r.URL.Query().Get("code"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1000 || parsed > 4999 {
			http.Error(w, "code must be a close code between 1000 and 4999", http.StatusBadRequest)
			return
		}
		code = parsed
	}
	dropped := srv.hub.drop(identity, code, r.URL.Query().Get("reason"))
	jsonResponse(w, http.StatusOK, map[string]interface{}{"identity": identity, "dropped": dropped, "code": code})
}

func (srv *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"server":     "fakehub",
		"uptime":     time.Since(srv.started).String(),
		"started":    srv.started.Format(time.RFC3339),
		"sockets":    srv.hub.counts(),
		"goroutines": runtime.NumGoroutine(),
		"auth":       srv.tokens.enabled(),
	})
}
