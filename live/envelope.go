package live

import (
	"encoding/json"
	"time"
)

// Control message types.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Application message types pushed by the dashboard server.
const (
	TypeChatMessage                    = "chat_message"
	TypeGoalUpdated                    = "goal_updated"
	TypeTransactionCreated             = "transaction_created"
	TypeTransactionUpdated             = "transaction_updated"
	TypeTransactionDeleted             = "transaction_deleted"
	TypeBudgetCreated                  = "budget_created"
	TypeSavingsGoalCreated             = "savings_goal_created"
	TypeContributionAdded              = "contribution_added"
	TypeCommunityPostUpdated           = "community_post_updated"
	TypeNotification                   = "NOTIFICATION"
	TypeRecurringTransactionsProcessed = "RECURRING_TRANSACTIONS_PROCESSED"
	TypeEcho                           = "echo"
)

// Envelope is the typed unit exchanged over the live connection. Data is
// left undecoded; only the sink registered for Type interprets it.
type Envelope struct {
	Type      string
	Data      json.RawMessage
	Timestamp time.Time
}

type wireEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Server timestamps are naive ISO-8601 in UTC, with or without a zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(value string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Envelope{}, NewError(ProtocolError, "undecodable envelope", err)
	}
	if wire.Type == "" {
		return Envelope{}, NewError(ProtocolError, "envelope has no type")
	}

	envelope := Envelope{Type: wire.Type, Data: wire.Data}
	if wire.Timestamp != "" {
		// an unparsable timestamp is not worth dropping the payload for
		if parsed, ok := parseTimestamp(wire.Timestamp); ok {
			envelope.Timestamp = parsed
		}
	}
	return envelope, nil
}

// EncodeEnvelope renders an outbound envelope.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	if envelope.Type == "" {
		return nil, NewError(ProtocolError, "envelope has no type")
	}
	if len(envelope.Data) > 0 && !json.Valid(envelope.Data) {
		return nil, NewError(ProtocolError, "envelope data is not valid JSON")
	}
	wire := wireEnvelope{Type: envelope.Type, Data: envelope.Data}
	if !envelope.Timestamp.IsZero() {
		wire.Timestamp = envelope.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(wire)
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(messageType string, data interface{}) (Envelope, error) {
	if data == nil {
		return Envelope{Type: messageType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, NewError(ProtocolError, "marshal envelope data", err)
	}
	return Envelope{Type: messageType, Data: raw}, nil
}

// HandshakeMessage is the first frame sent on every new connection.
func HandshakeMessage(token string) []byte {
	frame, _ := json.Marshal(struct {
		Authorization string `json:"authorization"`
	}{Authorization: "Bearer " + token})
	return frame
}

// PingMessage is the keepalive probe.
func PingMessage() []byte {
	return []byte(`{"type":"ping"}`)
}
