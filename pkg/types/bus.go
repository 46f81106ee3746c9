package types

import "encoding/json"

// BusKind tags a websocket envelope exchanged with overlay clients.
type BusKind string

const (
	// Outbound to the overlay.
	BusReaction    BusKind = "reaction"
	BusOverlayHide BusKind = "overlay_hide"
	BusOverlayShow BusKind = "overlay_show"

	// Inbound from the overlay.
	BusPat  BusKind = "pat"
	BusChat BusKind = "chat"
)

type BusMessage struct {
	Kind    BusKind         `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatPayload carries a user utterance submitted over the bus or the
// HTTP chat endpoints.
type ChatPayload struct {
	Text   string `json:"text"`
	UserID string `json:"user_id,omitempty"`
}

// NewBusMessage marshals payload into an envelope. A nil payload
// produces a bare envelope, which is all hide/show and pat need.
func NewBusMessage(kind BusKind, payload any) (BusMessage, error) {
	msg := BusMessage{Kind: kind}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return BusMessage{}, err
	}
	msg.Payload = raw
	return msg, nil
}
