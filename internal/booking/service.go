package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventSlotReserved     = "SLOT_RESERVED"
	EventLockReleased     = "LOCK_RELEASED"
	EventBookingConfirmed = "BOOKING_CONFIRMED"
	EventBookingCancelled = "BOOKING_CANCELLED"
	EventVisitCompleted   = "VISIT_COMPLETED"
	EventLockExpired      = "LOCK_EXPIRED"
	EventSlotsExpanded    = "SLOTS_EXPANDED"
)

var (
	ErrTooLateToCancel = errors.New("appointments can only be cancelled more than 24 hours before the slot starts")
	ErrForbidden       = errors.New("caller does not own this resource")

	// ErrInvariantViolation means the conditional-transition contract was
	// bypassed somewhere. It is always a bug, never an expected outcome.
	ErrInvariantViolation = errors.New("booking invariant violated")
)

// Reservation is what Reserve hands back for out-of-band delivery.
type Reservation struct {
	LockID    uuid.UUID
	SlotID    uuid.UUID
	PatientID uuid.UUID
	Passcode  string
	ExpiresAt time.Time
}

// AppointmentDetails are the caller-supplied fields attached on confirm.
type AppointmentDetails struct {
	Mode     ConsultationMode
	Symptoms string
	Notes    string
}

// Service is the booking orchestrator: it drives each slot through
// AVAILABLE→LOCKED→BOOKED (or back to AVAILABLE on abort, expiry or
// cancellation), coordinating the lock manager and the store. Multiple
// service instances may run concurrently; they coordinate only through the
// store's conditional transitions.
type Service struct {
	store        Store
	locks        *LockManager
	notifier     Notifier
	logger       zerolog.Logger
	cancelCutoff time.Duration
	horizon      time.Duration
	now          func() time.Time
}

type ServiceConfig struct {
	CancelCutoff time.Duration // minimum notice before a booked slot starts
	Horizon      time.Duration // default forward window for rule expansion
}

func NewService(store Store, locks *LockManager, notifier Notifier, logger zerolog.Logger, cfg ServiceConfig) *Service {
	if cfg.CancelCutoff <= 0 {
		cfg.CancelCutoff = 24 * time.Hour
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 30 * 24 * time.Hour
	}
	return &Service{
		store:        store,
		locks:        locks,
		notifier:     notifier,
		logger:       logger.With().Str("component", "booking_service").Logger(),
		cancelCutoff: cfg.CancelCutoff,
		horizon:      cfg.Horizon,
		now:          time.Now,
	}
}

// Reserve claims the slot for the patient for the lock window and hands
// the passcode to the notification sink for out-of-band delivery.
func (s *Service) Reserve(ctx context.Context, slotID, patientID uuid.UUID) (*Reservation, error) {
	lock, err := s.locks.AcquireLock(ctx, slotID, patientID)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, slotID, EventSlotReserved, map[string]any{
		"patient_id": patientID.String(),
		"expires_at": lock.ExpiresAt,
	})
	s.notify(func(ctx context.Context) error {
		return s.notifier.DeliverPasscode(ctx, patientID, lock.Passcode, lock.ExpiresAt)
	})

	return &Reservation{
		LockID:    lock.ID,
		SlotID:    lock.SlotID,
		PatientID: lock.PatientID,
		Passcode:  lock.Passcode,
		ExpiresAt: lock.ExpiresAt,
	}, nil
}

// Confirm turns a valid lock into a booked appointment in one atomic unit.
// A conflict on the LOCKED→BOOKED transition cannot happen while the lock
// holder is exclusive; if it does, the contract was bypassed and the error
// is escalated rather than swallowed.
func (s *Service) Confirm(ctx context.Context, slotID, patientID uuid.UUID, passcode string, details AppointmentDetails) (*Appointment, error) {
	lock, err := s.locks.ConfirmLock(ctx, slotID, patientID, passcode)
	if err != nil {
		return nil, err
	}

	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	mode := details.Mode
	if mode == "" {
		mode = ModeInPerson
	}
	appt := &Appointment{
		ID:        uuid.New(),
		SlotID:    slotID,
		PatientID: lock.PatientID,
		DoctorID:  slot.DoctorID,
		Status:    StatusConfirmed,
		Mode:      mode,
		Symptoms:  details.Symptoms,
		Notes:     details.Notes,
	}

	if err := s.store.BookSlot(ctx, appt, lock.ID); err != nil {
		// The booking is keyed on the confirmed lock's identity: if that
		// row was reclaimed and replaced after the wall-clock check, the
		// stale confirm loses as Expired instead of consuming the
		// successor's lock.
		if errors.Is(err, ErrLockNotFound) {
			return nil, ErrLockExpired
		}
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// The sweeper may win a last-instant confirm at the expiry
			// boundary; that resolves as Expired. Any other conflict means
			// the lock holder's exclusivity was bypassed.
			if conflict.Actual == SlotAvailable && !s.now().Before(lock.ExpiresAt) {
				return nil, ErrLockExpired
			}
			s.logger.Error().Err(err).
				Str("slot_id", slotID.String()).
				Str("patient_id", patientID.String()).
				Msg("slot left LOCKED state while its lock was held")
			return nil, ErrInvariantViolation
		}
		return nil, err
	}

	s.logEvent(ctx, slotID, EventBookingConfirmed, map[string]any{
		"appointment_id": appt.ID.String(),
		"patient_id":     appt.PatientID.String(),
		"doctor_id":      appt.DoctorID.String(),
	})
	s.notify(func(ctx context.Context) error {
		apptID := appt.ID
		return s.notifier.NotifyBookingEvent(ctx, BookingEvent{
			Type:          EventBookingConfirmed,
			SlotID:        slotID,
			DoctorID:      appt.DoctorID,
			PatientID:     appt.PatientID,
			AppointmentID: &apptID,
			OccurredAt:    s.now(),
		})
	})

	return appt, nil
}

// ReleaseLock is the voluntary abort before confirm.
func (s *Service) ReleaseLock(ctx context.Context, slotID, patientID uuid.UUID) error {
	if err := s.locks.ReleaseLock(ctx, slotID, patientID); err != nil {
		return err
	}
	s.logEvent(ctx, slotID, EventLockReleased, map[string]any{
		"patient_id": patientID.String(),
	})
	return nil
}

// Cancel frees a booked slot, subject to the cancellation cutoff. The
// actor must be the appointment's patient or doctor; admin callers are
// pre-validated by the API layer and act as the patient.
func (s *Service) Cancel(ctx context.Context, appointmentID, actorID uuid.UUID, reason string) error {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if actorID != appt.PatientID && actorID != appt.DoctorID {
		return ErrForbidden
	}

	slot, err := s.store.GetSlot(ctx, appt.SlotID)
	if err != nil {
		return err
	}
	if slot.StartAt.Sub(s.now()) <= s.cancelCutoff {
		return ErrTooLateToCancel
	}

	if err := s.store.CancelBooking(ctx, appointmentID, actorID, reason, s.now()); err != nil {
		if IsConflict(err) {
			s.logger.Error().Err(err).
				Str("appointment_id", appointmentID.String()).
				Msg("confirmed appointment points at a slot that is not BOOKED")
			return ErrInvariantViolation
		}
		return err
	}

	s.logEvent(ctx, appt.SlotID, EventBookingCancelled, map[string]any{
		"appointment_id": appointmentID.String(),
		"actor_id":       actorID.String(),
		"reason":         reason,
	})
	s.notify(func(ctx context.Context) error {
		apptID := appointmentID
		return s.notifier.NotifyBookingEvent(ctx, BookingEvent{
			Type:          EventBookingCancelled,
			SlotID:        appt.SlotID,
			DoctorID:      appt.DoctorID,
			PatientID:     appt.PatientID,
			AppointmentID: &apptID,
			OccurredAt:    s.now(),
		})
	})

	return nil
}

// Complete marks a consultation done. Only the owning doctor may complete;
// the slot stays BOOKED.
func (s *Service) Complete(ctx context.Context, appointmentID, doctorID uuid.UUID, prescription string, followUpAt *time.Time) error {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.DoctorID != doctorID {
		return ErrForbidden
	}

	if err := s.store.CompleteAppointment(ctx, appointmentID, prescription, followUpAt); err != nil {
		return err
	}

	s.logEvent(ctx, appt.SlotID, EventVisitCompleted, map[string]any{
		"appointment_id": appointmentID.String(),
		"doctor_id":      doctorID.String(),
	})
	return nil
}

// CreateRecurringRule validates and persists a weekly availability rule.
func (s *Service) CreateRecurringRule(ctx context.Context, rule RecurringRule) (*RecurringRule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.Active = true
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	if err := s.store.CreateRule(ctx, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ExpandRule materializes the rule's slots up to horizonEnd (or the
// configured default horizon when horizonEnd is zero). Re-running the same
// expansion is a no-op: already-materialized dates are skipped on the
// slots' natural key regardless of their current status.
func (s *Service) ExpandRule(ctx context.Context, ruleID uuid.UUID, horizonEnd time.Time) (int, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return 0, err
	}

	now := s.now()
	if horizonEnd.IsZero() {
		horizonEnd = now.Add(s.horizon)
	}

	candidates, err := MaterializeSlots(*rule, now, horizonEnd)
	if err != nil {
		return 0, err
	}

	created, err := s.store.InsertSlots(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("insert expanded slots: %w", err)
	}

	if created > 0 {
		s.logEvent(ctx, uuid.Nil, EventSlotsExpanded, map[string]any{
			"rule_id":     ruleID.String(),
			"doctor_id":   rule.DoctorID.String(),
			"created":     created,
			"horizon_end": horizonEnd,
		})
	}
	return created, nil
}

func (s *Service) logEvent(ctx context.Context, slotID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		Payload:   data,
		CreatedAt: s.now(),
	}
	if slotID != uuid.Nil {
		id := slotID
		ev.SlotID = &id
	}

	if err := s.store.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to insert event log")
	}
}

// notify runs a delivery call detached from the request, with its own
// deadline. Failures are logged and dropped.
func (s *Service) notify(fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("notification delivery failed")
		}
	}()
}
