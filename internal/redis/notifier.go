package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clinicbase/booking-core/internal/booking"
)

const (
	passcodeChannelPrefix = "notify:passcode:"
	bookingEventsChannel  = "notify:booking-events"
)

// Notifier publishes passcodes and booking events to Redis channels, where
// the out-of-band delivery service (SMS/email, not part of this core)
// picks them up. Publishing is best-effort by contract: the booking
// service never ties a transaction to it.
type Notifier struct {
	client *redis.Client
}

func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

type passcodeMessage struct {
	PatientID uuid.UUID `json:"patient_id"`
	Passcode  string    `json:"passcode"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (n *Notifier) DeliverPasscode(ctx context.Context, patientID uuid.UUID, passcode string, expiresAt time.Time) error {
	payload, err := json.Marshal(passcodeMessage{
		PatientID: patientID,
		Passcode:  passcode,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal passcode message: %w", err)
	}

	channel := passcodeChannelPrefix + patientID.String()
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish passcode: %w", err)
	}
	return nil
}

func (n *Notifier) NotifyBookingEvent(ctx context.Context, ev booking.BookingEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal booking event: %w", err)
	}

	if err := n.client.Publish(ctx, bookingEventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish booking event: %w", err)
	}
	return nil
}
