package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TypeUserRegistered     = "user.registered"
	TypeUserEmailVerified  = "user.email_verified"
	TypeGiftCardRedeemed   = "giftcard.redeemed"
	TypeTransactionCreated = "transaction.created"
)

// Event is a billing or account fact published for downstream consumers.
// Payload is encoded as JSON alongside the envelope fields.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload,omitempty"`
}

// New stamps an event with a fresh ID and the current UTC time.
func New(eventType, userID string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}
