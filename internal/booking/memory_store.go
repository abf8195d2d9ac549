package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by the package tests and by the
// simulator's local mode. One mutex stands in for the database's
// transactional guarantee: every conditional transition and every composite
// unit runs under it, so the CAS semantics match the Postgres store.
type MemoryStore struct {
	mu           sync.Mutex
	slots        map[uuid.UUID]*TimeSlot
	slotKeys     map[slotKey]uuid.UUID
	locks        map[uuid.UUID]*SlotLock // keyed by slot id
	appointments map[uuid.UUID]*Appointment
	rules        map[uuid.UUID]*RecurringRule
	events       []EventLog
}

type slotKey struct {
	doctorID uuid.UUID
	startAt  int64
	endAt    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:        make(map[uuid.UUID]*TimeSlot),
		slotKeys:     make(map[slotKey]uuid.UUID),
		locks:        make(map[uuid.UUID]*SlotLock),
		appointments: make(map[uuid.UUID]*Appointment),
		rules:        make(map[uuid.UUID]*RecurringRule),
	}
}

func keyOf(s *TimeSlot) slotKey {
	return slotKey{doctorID: s.DoctorID, startAt: s.StartAt.UnixNano(), endAt: s.EndAt.UnixNano()}
}

func copySlot(s *TimeSlot) *TimeSlot {
	out := *s
	return &out
}

func copyLock(l *SlotLock) *SlotLock {
	out := *l
	return &out
}

func copyAppointment(a *Appointment) *Appointment {
	out := *a
	return &out
}

func (m *MemoryStore) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return copySlot(s), nil
}

func (m *MemoryStore) TryTransition(ctx context.Context, slotID uuid.UUID, expected, next SlotStatus, patch TransitionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(slotID, expected, next, patch)
}

func (m *MemoryStore) transitionLocked(slotID uuid.UUID, expected, next SlotStatus, patch TransitionPatch) error {
	s, ok := m.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	if s.Status != expected {
		return &ConflictError{SlotID: slotID, Actual: s.Status}
	}
	if patch.LockExpiredBy != nil {
		if s.LockExpiresAt == nil || s.LockExpiresAt.After(*patch.LockExpiredBy) {
			return &ConflictError{SlotID: slotID, Actual: s.Status}
		}
	}

	s.Status = next
	if patch.ClearLockExpiry {
		s.LockExpiresAt = nil
	} else if patch.LockExpiresAt != nil {
		t := *patch.LockExpiresAt
		s.LockExpiresAt = &t
	}
	if patch.ClearAppointmentID {
		s.AppointmentID = nil
	} else if patch.AppointmentID != nil {
		id := *patch.AppointmentID
		s.AppointmentID = &id
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) InsertSlots(ctx context.Context, slots []TimeSlot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := 0
	for i := range slots {
		slot := slots[i]
		if _, exists := m.slotKeys[keyOf(&slot)]; exists {
			continue
		}
		if slot.ID == uuid.Nil {
			slot.ID = uuid.New()
		}
		now := time.Now()
		slot.CreatedAt = now
		slot.UpdatedAt = now
		m.slots[slot.ID] = &slot
		m.slotKeys[keyOf(&slot)] = slot.ID
		created++
	}
	return created, nil
}

func (m *MemoryStore) CreateLock(ctx context.Context, lock *SlotLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.locks[lock.SlotID]; exists {
		return ErrLockExists
	}
	m.locks[lock.SlotID] = copyLock(lock)
	return nil
}

func (m *MemoryStore) GetLockBySlot(ctx context.Context, slotID uuid.UUID) (*SlotLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[slotID]
	if !ok {
		return nil, ErrLockNotFound
	}
	return copyLock(l), nil
}

func (m *MemoryStore) DeleteLock(ctx context.Context, lockID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slotID, l := range m.locks {
		if l.ID == lockID {
			delete(m.locks, slotID)
			return nil
		}
	}
	return ErrLockNotFound
}

func (m *MemoryStore) FindExpiredLocks(ctx context.Context, now time.Time, limit int) ([]SlotLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []SlotLock
	for _, l := range m.locks {
		if l.ExpiresAt.Before(now) {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) BookSlot(ctx context.Context, appt *Appointment, lockID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Judge the slot first so a lost race still reports the actual status,
	// then require the slot's lock to be the exact one confirmed.
	s, ok := m.slots[appt.SlotID]
	if !ok {
		return ErrSlotNotFound
	}
	if s.Status != SlotLocked {
		return &ConflictError{SlotID: appt.SlotID, Actual: s.Status}
	}
	if l, ok := m.locks[appt.SlotID]; !ok || l.ID != lockID {
		return ErrLockNotFound
	}

	apptID := appt.ID
	err := m.transitionLocked(appt.SlotID, SlotLocked, SlotBooked, TransitionPatch{
		ClearLockExpiry: true,
		AppointmentID:   &apptID,
	})
	if err != nil {
		return err
	}

	stored := copyAppointment(appt)
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.appointments[stored.ID] = stored
	delete(m.locks, appt.SlotID)
	return nil
}

func (m *MemoryStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return copyAppointment(a), nil
}

func (m *MemoryStore) CancelBooking(ctx context.Context, appointmentID, actorID uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[appointmentID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if a.Status != StatusConfirmed {
		return ErrInvalidAppointmentState
	}

	err := m.transitionLocked(a.SlotID, SlotBooked, SlotAvailable, TransitionPatch{
		ClearAppointmentID: true,
	})
	if err != nil {
		return err
	}

	actor := actorID
	cancelledAt := at
	a.Status = StatusCancelled
	a.CancelledBy = &actor
	a.CancelReason = reason
	a.CancelledAt = &cancelledAt
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CompleteAppointment(ctx context.Context, id uuid.UUID, prescription string, followUpAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if a.Status != StatusConfirmed {
		return ErrInvalidAppointmentState
	}

	a.Status = StatusCompleted
	a.Prescription = prescription
	if followUpAt != nil {
		t := *followUpAt
		a.FollowUpAt = &t
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateRule(ctx context.Context, rule *RecurringRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if !existing.Active ||
			existing.DoctorID != rule.DoctorID ||
			existing.DayOfWeek != rule.DayOfWeek {
			continue
		}
		if rangesOverlap(rule.StartMinute, rule.EndMinute, existing.StartMinute, existing.EndMinute) {
			return ErrRuleOverlap
		}
	}

	stored := *rule
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.rules[stored.ID] = &stored
	return nil
}

func (m *MemoryStore) GetRule(ctx context.Context, id uuid.UUID) (*RecurringRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	out := *r
	return &out, nil
}

func (m *MemoryStore) ListActiveRules(ctx context.Context, doctorID uuid.UUID) ([]RecurringRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []RecurringRule
	for _, r := range m.rules {
		if r.Active && r.DoctorID == doctorID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DayOfWeek != result[j].DayOfWeek {
			return result[i].DayOfWeek < result[j].DayOfWeek
		}
		return result[i].StartMinute < result[j].StartMinute
	})
	return result, nil
}

func (m *MemoryStore) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = int64(len(m.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a snapshot of the event log, oldest first.
func (m *MemoryStore) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}

// LockCount reports how many lock rows exist; tests use it to assert no
// orphaned locks survive a flow.
func (m *MemoryStore) LockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
