package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout = 5 * time.Second
	// naive UTC ISO-8601, as the dashboard server stamps its messages
	timestampLayout = "2006-01-02T15:04:05.000000"
)

// socket is one accepted live connection. Writes are serialized because
// pushes and echoes come from different goroutines.
type socket struct {
	id        string
	identity  string
	conn      *websocket.Conn
	writeLock sync.Mutex
}

func (s *socket) write(frame []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *socket) close(code int, reason string) {
	s.writeLock.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeLock.Unlock()
	_ = s.conn.Close()
}

// hub tracks every open socket by identity. One identity may hold several
// sockets; a failed write removes only that socket.
type hub struct {
	lock    sync.RWMutex
	sockets map[string]map[string]*socket
	logger  logrus.FieldLogger
	now     func() time.Time

	connected prometheus.Gauge
	delivered *prometheus.CounterVec
}

func newHub(logger logrus.FieldLogger, registry prometheus.Registerer) *hub {
	factory := promauto.With(registry)
	return &hub{
		sockets: make(map[string]map[string]*socket),
		logger:  logger,
		now:     time.Now,
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fakehub",
			Name:      "sockets",
			Help:      "Open live sockets",
		}),
		delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fakehub",
			Name:      "messages_delivered_total",
			Help:      "Messages written to sockets",
		}, []string{"kind"}),
	}
}

func (h *hub) add(identity string, conn *websocket.Conn) *socket {
	s := &socket{id: uuid.NewString(), identity: identity, conn: conn}
	h.lock.Lock()
	if h.sockets[identity] == nil {
		h.sockets[identity] = make(map[string]*socket)
	}
	h.sockets[identity][s.id] = s
	h.lock.Unlock()
	h.connected.Inc()
	h.logger.WithFields(logrus.Fields{"identity": identity, "socket": s.id}).Info("socket connected")
	return s
}

func (h *hub) remove(s *socket) {
	h.lock.Lock()
	sockets, ok := h.sockets[s.identity]
	_, present := sockets[s.id]
	if ok && present {
		delete(sockets, s.id)
		if len(sockets) == 0 {
			delete(h.sockets, s.identity)
		}
	}
	h.lock.Unlock()
	if present {
		h.connected.Dec()
		h.logger.WithFields(logrus.Fields{"identity": s.identity, "socket": s.id}).Info("socket disconnected")
	}
}

func (h *hub) snapshot(identity string) []*socket {
	h.lock.RLock()
	defer h.lock.RUnlock()
	sockets := make([]*socket, 0, len(h.sockets[identity]))
	for _, s := range h.sockets[identity] {
		sockets = append(sockets, s)
	}
	return sockets
}

func (h *hub) all() []*socket {
	h.lock.RLock()
	defer h.lock.RUnlock()
	var sockets []*socket
	for _, byID := range h.sockets {
		for _, s := range byID {
			sockets = append(sockets, s)
		}
	}
	return sockets
}

// counts returns the number of open sockets per identity.
func (h *hub) counts() map[string]int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	counts := make(map[string]int, len(h.sockets))
	for identity, byID := range h.sockets {
		counts[identity] = len(byID)
	}
	return counts
}

// stamp sets the server timestamp on message and renders it.
func (h *hub) stamp(message map[string]interface{}) ([]byte, error) {
	message["timestamp"] = h.now().UTC().Format(timestampLayout)
	return json.Marshal(message)
}

// sendPersonal delivers message to every socket of identity and returns how
// many writes succeeded.
func (h *hub) sendPersonal(identity string, message map[string]interface{}) (int, error) {
	frame, err := h.stamp(message)
	if err != nil {
		return 0, err
	}
	return h.deliver(h.snapshot(identity), frame, "personal"), nil
}

// broadcast delivers message to every open socket.
func (h *hub) broadcast(message map[string]interface{}) (int, error) {
	frame, err := h.stamp(message)
	if err != nil {
		return 0, err
	}
	return h.deliver(h.all(), frame, "broadcast"), nil
}

func (h *hub) deliver(sockets []*socket, frame []byte, kind string) int {
	delivered := 0
	for _, s := range sockets {
		if err := s.write(frame); err != nil {
			h.logger.WithError(err).WithField("socket", s.id).Warn("dropping socket after failed write")
			h.remove(s)
			_ = s.conn.Close()
			continue
		}
		delivered++
		h.delivered.WithLabelValues(kind).Inc()
	}
	return delivered
}

// drop closes every socket of identity with code.
func (h *hub) drop(identity string, code int, reason string) int {
	sockets := h.snapshot(identity)
	for _, s := range sockets {
		h.remove(s)
		s.close(code, reason)
	}
	return len(sockets)
}

func (h *hub) closeAll(code int, reason string) {
	for _, s := range h.all() {
		h.remove(s)
		s.close(code, reason)
	}
}
