package api

import (
	"time"

	"github.com/google/uuid"
)

type ReserveRequest struct {
	PatientID string `json:"patient_id"`
}

type ReserveResponse struct {
	LockID    uuid.UUID `json:"lock_id"`
	SlotID    uuid.UUID `json:"slot_id"`
	Passcode  string    `json:"passcode"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ConfirmRequest struct {
	PatientID string `json:"patient_id"`
	Passcode  string `json:"passcode"`
	Mode      string `json:"mode,omitempty"`
	Symptoms  string `json:"symptoms,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type ConfirmResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	SlotID        uuid.UUID `json:"slot_id"`
	Status        string    `json:"status"`
}

type ReleaseRequest struct {
	PatientID string `json:"patient_id"`
}

type CancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

type CompleteRequest struct {
	DoctorID     string     `json:"doctor_id"`
	Prescription string     `json:"prescription,omitempty"`
	FollowUpAt   *time.Time `json:"follow_up_at,omitempty"`
}

type CreateRuleRequest struct {
	DoctorID  string `json:"doctor_id"`
	DayOfWeek int    `json:"day_of_week"`
	StartTime string `json:"start_time"` // HH:MM, doctor-local
	EndTime   string `json:"end_time"`   // HH:MM, doctor-local
	Timezone  string `json:"timezone"`
	StartDate string `json:"start_date"` // YYYY-MM-DD
	EndDate   string `json:"end_date,omitempty"`
}

type CreateRuleResponse struct {
	RuleID uuid.UUID `json:"rule_id"`
}

type RuleResponse struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	DayOfWeek int       `json:"day_of_week"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	Timezone  string    `json:"timezone"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date,omitempty"`
	Active    bool      `json:"active"`
}

type ExpandRuleRequest struct {
	HorizonEnd *time.Time `json:"horizon_end,omitempty"`
}

type ExpandRuleResponse struct {
	SlotsCreated int `json:"slots_created"`
}

type SlotResponse struct {
	ID            uuid.UUID  `json:"id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	StartAt       time.Time  `json:"start_at"`
	EndAt         time.Time  `json:"end_at"`
	Status        string     `json:"status"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
