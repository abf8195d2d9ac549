package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clinicbase/booking-core/internal/booking"
)

func newTestRouter(t *testing.T) (http.Handler, *booking.MemoryStore) {
	t.Helper()

	store := booking.NewMemoryStore()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	locks := booking.NewLockManager(store, 5*time.Minute, logger)
	svc := booking.NewService(store, locks, booking.NopNotifier{}, logger, booking.ServiceConfig{})

	return NewRouter(RouterConfig{
		Service: svc,
		Store:   store,
		Logger:  logger,
		Env:     "test",
		Version: "test",
	}), store
}

func seedKnownSlot(t *testing.T, store *booking.MemoryStore, startIn time.Duration) uuid.UUID {
	t.Helper()

	id := uuid.New()
	start := time.Now().Add(startIn).Truncate(time.Second)
	created, err := store.InsertSlots(context.Background(), []booking.TimeSlot{{
		ID:       id,
		DoctorID: uuid.New(),
		StartAt:  start,
		EndAt:    start.Add(30 * time.Minute),
		Status:   booking.SlotAvailable,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, created)
	return id
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var e ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	return e
}

func TestReserveConfirmCancelOverHTTP(t *testing.T) {
	h, store := newTestRouter(t)
	slotID := seedKnownSlot(t, store, 72*time.Hour)
	patientID := uuid.New().String()

	rec := post(t, h, "/slots/"+slotID.String()+"/reserve", ReserveRequest{PatientID: patientID})
	require.Equal(t, http.StatusCreated, rec.Code)

	var res ReserveResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Len(t, res.Passcode, 6)
	require.Equal(t, slotID, res.SlotID)

	// A second patient loses the race and gets a conflict, not an error.
	rec = post(t, h, "/slots/"+slotID.String()+"/reserve", ReserveRequest{PatientID: uuid.New().String()})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "slot_unavailable", decodeErr(t, rec).Error)

	rec = post(t, h, "/slots/"+slotID.String()+"/confirm", ConfirmRequest{
		PatientID: patientID,
		Passcode:  res.Passcode,
		Mode:      "video",
		Symptoms:  "headache",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var conf ConfirmResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&conf))
	require.Equal(t, "confirmed", conf.Status)

	rec = post(t, h, "/appointments/"+conf.AppointmentID.String()+"/cancel", CancelRequest{
		ActorID: patientID,
		Reason:  "feeling better",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestReserveErrorsOverHTTP(t *testing.T) {
	h, store := newTestRouter(t)

	rec := post(t, h, "/slots/not-a-uuid/reserve", ReserveRequest{PatientID: uuid.New().String()})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "/slots/"+uuid.New().String()+"/reserve", ReserveRequest{PatientID: uuid.New().String()})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "slot_not_found", decodeErr(t, rec).Error)

	pastSlot := seedKnownSlot(t, store, -time.Hour)
	rec = post(t, h, "/slots/"+pastSlot.String()+"/reserve", ReserveRequest{PatientID: uuid.New().String()})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "past_slot", decodeErr(t, rec).Error)
}

func TestConfirmWrongPasscodeOverHTTP(t *testing.T) {
	h, store := newTestRouter(t)
	slotID := seedKnownSlot(t, store, 72*time.Hour)
	patientID := uuid.New().String()

	rec := post(t, h, "/slots/"+slotID.String()+"/reserve", ReserveRequest{PatientID: patientID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = post(t, h, "/slots/"+slotID.String()+"/confirm", ConfirmRequest{
		PatientID: patientID,
		Passcode:  "000000",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "invalid_passcode", decodeErr(t, rec).Error)
}

func TestCreateAndExpandRuleOverHTTP(t *testing.T) {
	h, _ := newTestRouter(t)
	doctorID := uuid.New().String()
	startDate := time.Now().Format("2006-01-02")

	rule := CreateRuleRequest{
		DoctorID:  doctorID,
		DayOfWeek: 1,
		StartTime: "09:00",
		EndTime:   "12:00",
		Timezone:  "America/New_York",
		StartDate: startDate,
	}
	rec := post(t, h, "/rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created CreateRuleResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	// Overlapping hours on the same weekday are rejected.
	rule.StartTime = "11:00"
	rule.EndTime = "14:00"
	rec = post(t, h, "/rules", rule)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "rule_overlap", decodeErr(t, rec).Error)

	// Malformed clock time never reaches the core.
	rule.StartTime = "9am"
	rec = post(t, h, "/rules", rule)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "/rules/"+created.RuleID.String()+"/expand", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var expanded ExpandRuleResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&expanded))
	require.Greater(t, expanded.SlotsCreated, 0)

	// Re-expansion over the same horizon creates nothing new.
	rec = post(t, h, "/rules/"+created.RuleID.String()+"/expand", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&expanded))
	require.Zero(t, expanded.SlotsCreated)
}

func TestListDoctorRulesOverHTTP(t *testing.T) {
	h, _ := newTestRouter(t)
	doctorID := uuid.New().String()
	startDate := time.Now().Format("2006-01-02")

	for _, win := range [][2]string{{"09:00", "11:00"}, {"13:00", "15:00"}} {
		rec := post(t, h, "/rules", CreateRuleRequest{
			DoctorID:  doctorID,
			DayOfWeek: 2,
			StartTime: win[0],
			EndTime:   win[1],
			Timezone:  "UTC",
			StartDate: startDate,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/doctors/"+doctorID+"/rules", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rules []RuleResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rules))
	require.Len(t, rules, 2)
	require.Equal(t, "09:00", rules[0].StartTime)
	require.Equal(t, "11:00", rules[0].EndTime)
	require.Equal(t, "13:00", rules[1].StartTime)
	require.True(t, rules[0].Active)

	// Another doctor's listing is empty.
	req = httptest.NewRequest(http.MethodGet, "/doctors/"+uuid.New().String()+"/rules", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rules))
	require.Empty(t, rules)
}

func TestGetSlotOverHTTP(t *testing.T) {
	h, store := newTestRouter(t)
	slotID := seedKnownSlot(t, store, 48*time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/slots/"+slotID.String(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var slot SlotResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&slot))
	require.Equal(t, slotID, slot.ID)
	require.Equal(t, string(booking.SlotAvailable), slot.Status)
}
