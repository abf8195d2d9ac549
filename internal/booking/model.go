package booking

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotLocked    SlotStatus = "locked"
	SlotBooked    SlotStatus = "booked"
	SlotCancelled SlotStatus = "cancelled"
)

type AppointmentStatus string

const (
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCompleted   AppointmentStatus = "completed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusRescheduled AppointmentStatus = "rescheduled"
)

type ConsultationMode string

const (
	ModeInPerson ConsultationMode = "in_person"
	ModeVideo    ConsultationMode = "video"
)

// TimeSlot is one bookable interval for one doctor. StartAt and EndAt are
// stored in UTC; the wall-clock times a doctor configured live on the rule
// that generated the slot. (doctor_id, start_at, end_at) is unique.
type TimeSlot struct {
	ID            uuid.UUID
	DoctorID      uuid.UUID
	StartAt       time.Time
	EndAt         time.Time
	Status        SlotStatus
	LockExpiresAt *time.Time
	AppointmentID *uuid.UUID
	RuleID        *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SlotLock is a patient's temporary exclusive claim on a slot. At most one
// lock exists per slot. The passcode expires together with the lock.
type SlotLock struct {
	ID        uuid.UUID
	SlotID    uuid.UUID
	PatientID uuid.UUID
	Passcode  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type Appointment struct {
	ID           uuid.UUID
	SlotID       uuid.UUID
	PatientID    uuid.UUID
	DoctorID     uuid.UUID
	Status       AppointmentStatus
	Mode         ConsultationMode
	Symptoms     string
	Notes        string
	Prescription string
	FollowUpAt   *time.Time
	CancelledBy  *uuid.UUID
	CancelReason string
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecurringRule is a doctor's standing weekly availability template.
// DayOfWeek follows time.Weekday: 0=Sunday ... 6=Saturday. StartMinute and
// EndMinute are minutes since local midnight in Timezone, half-open.
type RecurringRule struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	DayOfWeek   int
	StartMinute int
	EndMinute   int
	Timezone    string
	Active      bool
	StartDate   time.Time
	EndDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type EventLog struct {
	ID        int64
	EventType string
	SlotID    *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
