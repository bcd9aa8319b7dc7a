package types

import (
	"encoding/json"
	"strings"
)

// Envelope names understood by the change feed
const (
	EnvelopeRegister        = "RegisterOperationLog"
	EnvelopeDeregister      = "DeregisterOperationLog"
	EnvelopeOperationLogged = "OperationLogged"
)

// Envelope is the in-process representation of a change-feed message
type Envelope struct {
	Name          string          `json:"name"`
	State         json.RawMessage `json:"state,omitempty"`
	TrackingID    string          `json:"trackingId,omitempty"`
	Authorization string          `json:"Authorization,omitempty"`
	Feature       string          `json:"feature,omitempty"`
}

// Frame is the JSON shape exchanged on the feed socket
type Frame struct {
	Authorization string          `json:"authorization,omitempty"`
	Root          string          `json:"root,omitempty"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
}

// ToFrame converts an outbound envelope to its wire frame
func (e Envelope) ToFrame() Frame {
	return Frame{
		Authorization: e.Authorization,
		Root:          e.Feature,
		Type:          e.Name,
		Payload:       e.State,
		RequestID:     e.TrackingID,
	}
}

// ToEnvelope converts an inbound wire frame to an envelope
func (f Frame) ToEnvelope() Envelope {
	return Envelope{Name: f.Type, State: f.Payload}
}

// SubscriptionKey identifies one change-feed subscription
type SubscriptionKey struct {
	Namespace string `json:"nameSpace"`
	Operation string `json:"operation"`
	KeyField  string `json:"keyField"`
	KeyValue  string `json:"keyValue"`
}

const subscriptionSeparator = "~"

// ID returns the composite id namespace~operation~field~value
func (k SubscriptionKey) ID() string {
	return strings.Join([]string{k.Namespace, k.Operation, k.KeyField, k.KeyValue}, subscriptionSeparator)
}

// OperationLogged is the state carried by a change notification
type OperationLogged struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"o"`
}
