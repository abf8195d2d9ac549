package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BookingEvent is the out-of-band notification emitted after a booking
// flow outcome commits.
type BookingEvent struct {
	Type          string     `json:"type"`
	SlotID        uuid.UUID  `json:"slot_id"`
	DoctorID      uuid.UUID  `json:"doctor_id,omitempty"`
	PatientID     uuid.UUID  `json:"patient_id,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// Notifier is the delivery collaborator. Both calls are fire-and-forget
// from the orchestrator's point of view: a delivery failure never rolls
// back the core transaction.
type Notifier interface {
	DeliverPasscode(ctx context.Context, patientID uuid.UUID, passcode string, expiresAt time.Time) error
	NotifyBookingEvent(ctx context.Context, ev BookingEvent) error
}

// NopNotifier discards every notification; tests and the simulator use it.
type NopNotifier struct{}

func (NopNotifier) DeliverPasscode(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}

func (NopNotifier) NotifyBookingEvent(context.Context, BookingEvent) error {
	return nil
}
