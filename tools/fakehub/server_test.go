package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/Thejuampi/livedash-client-go/live"
)

func newTestServer(t *testing.T, tokens string) (*httptest.Server, *server) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	registry := prometheus.NewRegistry()
	h := newHub(logger, registry)
	h.now = func() time.Time { return time.Date(2024, 3, 1, 10, 20, 30, 123456000, time.UTC) }
	srv := newServer(logger, h, newTokenStore(tokens), time.Second)
	httpServer := httptest.NewServer(srv.routes(registry))
	t.Cleanup(func() {
		h.closeAll(websocket.CloseGoingAway, "test done")
		httpServer.Close()
	})
	return httpServer, srv
}

func socketURL(httpServer *httptest.Server, identity string) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws/" + identity
}

func dialSocket(t *testing.T, httpServer *httptest.Server, identity string, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(socketURL(httpServer, identity), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteMessage(websocket.TextMessage, live.HandshakeMessage(token)); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(frame)
}

func post(t *testing.T, url string, body string) map[string]interface{} {
	t.Helper()
	response, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from %s, got %d", url, response.StatusCode)
	}
	var decoded map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return decoded
}

func waitForSockets(t *testing.T, srv *server, identity string, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.hub.counts()[identity] == count {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d sockets for %s, got %d", count, identity, srv.hub.counts()[identity])
}

func TestSocketPingAndEcho(t *testing.T) {
	httpServer, srv := newTestServer(t, "")
	conn := dialSocket(t, httpServer, "42", "secret")
	waitForSockets(t, srv, "42", 1)

	if err := conn.WriteMessage(websocket.TextMessage, live.PingMessage()); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if frame := readFrame(t, conn); frame != `{"type":"pong"}` {
		t.Fatalf("expected pong, got %s", frame)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","data":"hi"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	echo, err := live.DecodeEnvelope([]byte(readFrame(t, conn)))
	if err != nil || echo.Type != live.TypeEcho {
		t.Fatalf("expected echo envelope, got %+v err=%v", echo, err)
	}
	if string(echo.Data) != `{"type":"chat_message","data":"hi"}` {
		t.Fatalf("unexpected echo data %s", echo.Data)
	}
}

func TestPushStampsAndFansOutPerIdentity(t *testing.T) {
	httpServer, srv := newTestServer(t, "")
	first := dialSocket(t, httpServer, "42", "secret")
	second := dialSocket(t, httpServer, "42", "secret")
	other := dialSocket(t, httpServer, "43", "secret")
	waitForSockets(t, srv, "42", 2)
	waitForSockets(t, srv, "43", 1)

	result := post(t, httpServer.URL+"/push/42", `{"type":"goal_updated","data":{"id":1}}`)
	if result["delivered"] != float64(2) {
		t.Fatalf("expected 2 deliveries, got %v", result["delivered"])
	}
	for _, conn := range []*websocket.Conn{first, second} {
		envelope, err := live.DecodeEnvelope([]byte(readFrame(t, conn)))
		if err != nil || envelope.Type != live.TypeGoalUpdated {
			t.Fatalf("unexpected push %+v err=%v", envelope, err)
		}
		if !envelope.Timestamp.Equal(time.Date(2024, 3, 1, 10, 20, 30, 123456000, time.UTC)) {
			t.Fatalf("unexpected timestamp %v", envelope.Timestamp)
		}
	}

	result = post(t, httpServer.URL+"/broadcast", `{"type":"NOTIFICATION","data":"maintenance"}`)
	if result["delivered"] != float64(3) {
		t.Fatalf("expected 3 deliveries, got %v", result["delivered"])
	}
	envelope, err := live.DecodeEnvelope([]byte(readFrame(t, other)))
	if err != nil || envelope.Type != live.TypeNotification {
		t.Fatalf("unexpected broadcast %+v err=%v", envelope, err)
	}
}

func TestPushRejectsUntypedMessages(t *testing.T) {
	httpServer, _ := newTestServer(t, "")
	response, err := http.Post(httpServer.URL+"/push/42", "application/json", strings.NewReader(`{"data":1}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}

	response, err = http.Post(httpServer.URL+"/drop/42?code=abc", "application/json", nil)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad close code, got %d", response.StatusCode)
	}
}

func TestHandshakeRejection(t *testing.T) {
	httpServer, _ := newTestServer(t, "valid")

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	_, response, err := websocket.DefaultDialer.Dial(socketURL(httpServer, "42"), header)
	if err == nil || response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad header token, got %v", err)
	}
	if response != nil {
		response.Body.Close()
	}

	conn := dialSocket(t, httpServer, "42", "wrong")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if code, ok := live.CloseCode(err); !ok || code != closeUnauthorized {
		t.Fatalf("expected close %d, got %v", closeUnauthorized, err)
	}
}

func TestHandshakeForOtherIdentityIsForbidden(t *testing.T) {
	httpServer, srv := newTestServer(t, "secret=42")

	conn := dialSocket(t, httpServer, "43", "secret")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if code, ok := live.CloseCode(err); !ok || code != closeForbidden {
		t.Fatalf("expected close %d, got %v", closeForbidden, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	headerConn, _, err := websocket.DefaultDialer.Dial(socketURL(httpServer, "43"), header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer headerConn.Close()
	_ = headerConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = headerConn.ReadMessage()
	if code, ok := live.CloseCode(err); !ok || code != closeForbidden {
		t.Fatalf("expected close %d for a header token, got %v", closeForbidden, err)
	}

	owner := dialSocket(t, httpServer, "42", "secret")
	waitForSockets(t, srv, "42", 1)
	if err := owner.WriteMessage(websocket.TextMessage, live.PingMessage()); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if frame := readFrame(t, owner); frame != `{"type":"pong"}` {
		t.Fatalf("expected the owning identity to stream, got %s", frame)
	}
}

func TestForbiddenIdentityExhaustsClientAttempts(t *testing.T) {
	httpServer, _ := newTestServer(t, "secret=42")
	statuses := make(chan live.Status, 16)
	client, err := live.NewClient(
		live.WithURLTemplate(socketURL(httpServer, live.IdentityPlaceholder)),
		live.WithToken("secret"),
		live.WithHandshakeGrace(time.Second),
		live.WithReconnectPolicy(live.NewFixedDelay(10*time.Millisecond, 2)),
		live.WithStatusListener(live.StatusListenerFunc(func(status live.Status) { statuses <- status })),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect("43"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	expectStatus(t, statuses, live.StatusReconnecting)
	expectStatus(t, statuses, live.StatusReconnecting)
	status := expectStatus(t, statuses, live.StatusGaveUp)
	if live.ErrorCode(status.Err) != live.ExhaustedError {
		t.Fatalf("expected an exhausted error, got %v", status.Err)
	}
	if client.State() != live.StateClosed {
		t.Fatalf("expected closed client, got %s", client.State())
	}
}

func TestDropForcesClientReconnect(t *testing.T) {
	httpServer, srv := newTestServer(t, "secret")
	statuses := make(chan live.Status, 16)
	client, err := live.NewClient(
		live.WithURLTemplate(socketURL(httpServer, live.IdentityPlaceholder)),
		live.WithToken("secret"),
		live.WithHandshakeGrace(20*time.Millisecond),
		live.WithReconnectPolicy(live.NewFixedDelay(10*time.Millisecond, 5)),
		live.WithStatusListener(live.StatusListenerFunc(func(status live.Status) { statuses <- status })),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect("42"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	expectStatus(t, statuses, live.StatusConnected)
	waitForSockets(t, srv, "42", 1)

	result := post(t, httpServer.URL+"/drop/42?code=1012&reason=restart", "")
	if result["dropped"] != float64(1) {
		t.Fatalf("expected one dropped socket, got %v", result["dropped"])
	}
	status := expectStatus(t, statuses, live.StatusReconnecting)
	if code, ok := live.CloseCode(status.Err); !ok || code != 1012 {
		t.Fatalf("expected close code 1012, got %v", status.Err)
	}
	expectStatus(t, statuses, live.StatusConnected)
	waitForSockets(t, srv, "42", 1)
}

func TestStatusEndpoint(t *testing.T) {
	httpServer, _ := newTestServer(t, "")
	response, err := http.Get(httpServer.URL + "/admin/status")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer response.Body.Close()
	var status map[string]interface{}
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status["server"] != "fakehub" {
		t.Fatalf("unexpected status body %v", status)
	}

	metrics, err := http.Get(httpServer.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics failed: %v", err)
	}
	metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics to be served, got %d", metrics.StatusCode)
	}
}

func expectStatus(t *testing.T, statuses chan live.Status, kind live.StatusKind) live.Status {
	t.Helper()
	select {
	case status := <-statuses:
		if status.Kind != kind {
			t.Fatalf("expected %s, got %s (%v)", kind, status.Kind, status.Err)
		}
		return status
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
	}
	return live.Status{}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	registry := prometheus.NewRegistry()
	srv := newServer(logger, newHub(logger, registry), newTokenStore(""), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, logger, srv, registry, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
