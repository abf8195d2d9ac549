package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicbase/booking-core/internal/booking"
)

func reserveHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseIDParam(w, r, "invalid_slot_id", "slot id must be a valid UUID")
		if !ok {
			return
		}

		var req ReserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		res, err := svc.Reserve(r.Context(), slotID, patientID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, ReserveResponse{
			LockID:    res.LockID,
			SlotID:    res.SlotID,
			Passcode:  res.Passcode,
			ExpiresAt: res.ExpiresAt,
		})
	}
}

func confirmHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseIDParam(w, r, "invalid_slot_id", "slot id must be a valid UUID")
		if !ok {
			return
		}

		var req ConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		appt, err := svc.Confirm(r.Context(), slotID, patientID, req.Passcode, booking.AppointmentDetails{
			Mode:     booking.ConsultationMode(req.Mode),
			Symptoms: req.Symptoms,
			Notes:    req.Notes,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, ConfirmResponse{
			AppointmentID: appt.ID,
			SlotID:        appt.SlotID,
			Status:        string(appt.Status),
		})
	}
}

func releaseHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseIDParam(w, r, "invalid_slot_id", "slot id must be a valid UUID")
		if !ok {
			return
		}

		var req ReleaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		if err := svc.ReleaseLock(r.Context(), slotID, patientID); err != nil {
			handleBookingError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func cancelHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, ok := parseIDParam(w, r, "invalid_appointment_id", "appointment id must be a valid UUID")
		if !ok {
			return
		}

		var req CancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		actorID, err := uuid.Parse(req.ActorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_actor_id", "actor_id must be a valid UUID")
			return
		}

		if err := svc.Cancel(r.Context(), apptID, actorID, req.Reason); err != nil {
			handleBookingError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func completeHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, ok := parseIDParam(w, r, "invalid_appointment_id", "appointment id must be a valid UUID")
		if !ok {
			return
		}

		var req CompleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		if err := svc.Complete(r.Context(), apptID, doctorID, req.Prescription, req.FollowUpAt); err != nil {
			handleBookingError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func createRuleHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		startMinute, err := parseClock(req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be HH:MM")
			return
		}
		endMinute, err := parseClock(req.EndTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_time", "end_time must be HH:MM")
			return
		}
		startDate, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_date", "start_date must be YYYY-MM-DD")
			return
		}
		var endDate *time.Time
		if req.EndDate != "" {
			d, err := time.Parse("2006-01-02", req.EndDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_end_date", "end_date must be YYYY-MM-DD")
				return
			}
			endDate = &d
		}

		rule, err := svc.CreateRecurringRule(r.Context(), booking.RecurringRule{
			DoctorID:    doctorID,
			DayOfWeek:   req.DayOfWeek,
			StartMinute: startMinute,
			EndMinute:   endMinute,
			Timezone:    req.Timezone,
			StartDate:   startDate,
			EndDate:     endDate,
		})
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, CreateRuleResponse{RuleID: rule.ID})
	}
}

func expandRuleHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID, ok := parseIDParam(w, r, "invalid_rule_id", "rule id must be a valid UUID")
		if !ok {
			return
		}

		var req ExpandRuleRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}
		var horizonEnd time.Time
		if req.HorizonEnd != nil {
			horizonEnd = *req.HorizonEnd
		}

		created, err := svc.ExpandRule(r.Context(), ruleID, horizonEnd)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, ExpandRuleResponse{SlotsCreated: created})
	}
}

func listRulesHandler(store booking.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseIDParam(w, r, "invalid_doctor_id", "doctor id must be a valid UUID")
		if !ok {
			return
		}

		rules, err := store.ListActiveRules(r.Context(), doctorID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		out := make([]RuleResponse, 0, len(rules))
		for _, rule := range rules {
			resp := RuleResponse{
				ID:        rule.ID,
				DoctorID:  rule.DoctorID,
				DayOfWeek: rule.DayOfWeek,
				StartTime: booking.FormatMinute(rule.StartMinute),
				EndTime:   booking.FormatMinute(rule.EndMinute),
				Timezone:  rule.Timezone,
				StartDate: rule.StartDate.Format("2006-01-02"),
				Active:    rule.Active,
			}
			if rule.EndDate != nil {
				resp.EndDate = rule.EndDate.Format("2006-01-02")
			}
			out = append(out, resp)
		}

		writeJSON(w, http.StatusOK, out)
	}
}

func getSlotHandler(store booking.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseIDParam(w, r, "invalid_slot_id", "slot id must be a valid UUID")
		if !ok {
			return
		}

		slot, err := store.GetSlot(r.Context(), slotID)
		if err != nil {
			handleBookingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, SlotResponse{
			ID:            slot.ID,
			DoctorID:      slot.DoctorID,
			StartAt:       slot.StartAt,
			EndAt:         slot.EndAt,
			Status:        string(slot.Status),
			LockExpiresAt: slot.LockExpiresAt,
			AppointmentID: slot.AppointmentID,
		})
	}
}

// handleBookingError maps the core's typed outcomes onto HTTP statuses.
// Conflicts are normal traffic, not server errors.
func handleBookingError(w http.ResponseWriter, err error) {
	var conflict *booking.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "slot_unavailable",
			"this slot was just taken, pick another")
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "rule_not_found", err.Error())
	case errors.Is(err, booking.ErrLockNotFound):
		writeError(w, http.StatusNotFound, "lock_not_found", err.Error())
	case errors.Is(err, booking.ErrPastSlot):
		writeError(w, http.StatusUnprocessableEntity, "past_slot", err.Error())
	case errors.Is(err, booking.ErrLockExpired):
		writeError(w, http.StatusConflict, "reservation_expired",
			"your reservation expired, please reserve again")
	case errors.Is(err, booking.ErrInvalidPasscode):
		writeError(w, http.StatusUnprocessableEntity, "invalid_passcode",
			"the code is wrong or no longer valid, please try again")
	case errors.Is(err, booking.ErrTooLateToCancel):
		writeError(w, http.StatusUnprocessableEntity, "too_late_to_cancel",
			"appointments can only be cancelled more than 24 hours in advance")
	case errors.Is(err, booking.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, booking.ErrRuleOverlap):
		writeError(w, http.StatusConflict, "rule_overlap", err.Error())
	case errors.Is(err, booking.ErrInvalidAppointmentState):
		writeError(w, http.StatusConflict, "invalid_appointment_state", err.Error())
	default:
		var vErr *booking.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, "invalid_request", vErr.Error())
			return
		}
		// ErrInvariantViolation and transient store failures both land
		// here: the caller gets a generic failure either way.
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request, code, details string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, details)
		return uuid.Nil, false
	}
	return id, true
}

// parseClock turns "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
