package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process behind a single RWMutex. Reads
// return deep copies so callers always hold a consistent snapshot.
type MemoryStore struct {
	mu           sync.RWMutex
	schedules    map[uuid.UUID]*Schedule
	slotIndex    map[uuid.UUID]uuid.UUID // slot id -> schedule id
	appointments map[uuid.UUID]*Appointment
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules:    make(map[uuid.UUID]*Schedule),
		slotIndex:    make(map[uuid.UUID]uuid.UUID),
		appointments: make(map[uuid.UUID]*Appointment),
		now:          time.Now,
	}
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s *Schedule) error {
	if err := validateWindow(s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkNewIDsLocked(s); err != nil {
		return err
	}

	now := m.now()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	for i := range s.Slots {
		sl := &s.Slots[i]
		if sl.ID == uuid.Nil {
			sl.ID = uuid.New()
		}
		sl.ScheduleID = s.ID
		sl.Status = SlotFree
		sl.Overbooked = false
		sl.Appointments = nil
		sl.Version = 1
	}
	sortSlots(s.Slots)

	stored := s.clone()
	m.schedules[s.ID] = &stored
	for _, sl := range stored.Slots {
		m.slotIndex[sl.ID] = s.ID
	}
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id uuid.UUID) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	out := s.clone()
	return &out, nil
}

func (m *MemoryStore) ListSchedulesByPractitioner(_ context.Context, practitionerID uuid.UUID) ([]Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Schedule
	for _, s := range m.schedules {
		if s.PractitionerID == practitionerID {
			result = append(result, s.clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].PlanningStart.Before(result[j].PlanningStart)
	})
	return result, nil
}

func (m *MemoryStore) ListEndedSchedules(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []uuid.UUID
	for id, s := range m.schedules {
		if s.PlanningEnd.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) GetSlot(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sl, err := m.slotLocked(id)
	if err != nil {
		return nil, err
	}
	out := sl.clone()
	return &out, nil
}

func (m *MemoryStore) BindAppointmentToSlot(_ context.Context, slotID uuid.UUID, ref AppointmentRef, allowOverbook bool) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sl, err := m.slotLocked(slotID)
	if err != nil {
		return nil, err
	}
	if err := sl.bind(ref, allowOverbook); err != nil {
		return nil, err
	}
	m.touch(sl.ScheduleID)
	out := sl.clone()
	return &out, nil
}

func (m *MemoryStore) ReleaseAppointmentFromSlot(_ context.Context, slotID, appointmentID uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sl, err := m.slotLocked(slotID)
	if err != nil {
		return nil, err
	}
	if sl.release(appointmentID) {
		m.touch(sl.ScheduleID)
	}
	out := sl.clone()
	return &out, nil
}

func (m *MemoryStore) DeleteSchedules(_ context.Context, ids []uuid.UUID, reason string) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res DeleteResult
	doomed := make(map[uuid.UUID]struct{})
	for _, id := range ids {
		s, ok := m.schedules[id]
		if !ok {
			continue
		}
		for _, sl := range s.Slots {
			doomed[sl.ID] = struct{}{}
			delete(m.slotIndex, sl.ID)
		}
		res.Slots += len(s.Slots)
		res.Schedules++
		delete(m.schedules, id)
	}
	res.Cancelled = m.cancelBoundLocked(doomed, reason)
	return res, nil
}

func (m *MemoryStore) DeleteSlots(_ context.Context, scheduleID uuid.UUID, ids []uuid.UUID, reason string) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res DeleteResult
	s, ok := m.schedules[scheduleID]
	if !ok {
		return res, nil
	}

	wanted := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	doomed := make(map[uuid.UUID]struct{})
	kept := s.Slots[:0]
	for _, sl := range s.Slots {
		if _, ok := wanted[sl.ID]; ok {
			delete(m.slotIndex, sl.ID)
			doomed[sl.ID] = struct{}{}
			continue
		}
		kept = append(kept, sl)
	}
	s.Slots = kept
	res.Slots = len(doomed)
	if res.Slots > 0 {
		s.UpdatedAt = m.now()
	}
	res.Cancelled = m.cancelBoundLocked(doomed, reason)
	return res, nil
}

// cancelBoundLocked cancels live appointments bound to any of the slots. The
// slot id is kept on the appointment for the record.
func (m *MemoryStore) cancelBoundLocked(slots map[uuid.UUID]struct{}, reason string) []Appointment {
	if len(slots) == 0 {
		return nil
	}
	now := m.now()
	var cancelled []Appointment
	for _, a := range m.appointments {
		if a.SlotID == nil || a.Status.Terminal() {
			continue
		}
		if _, ok := slots[*a.SlotID]; !ok {
			continue
		}
		r := reason
		a.Status = StatusCancelled
		a.StepCount++
		a.CancellationReason = &r
		a.UpdatedAt = now
		cancelled = append(cancelled, a.clone())
	}
	sort.Slice(cancelled, func(i, j int) bool {
		return cancelled[i].CreatedAt.Before(cancelled[j].CreatedAt)
	})
	return cancelled
}

func (m *MemoryStore) CreateAppointment(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Status = StatusPending
	a.StepCount = 0
	a.SlotID = nil
	a.CreatedAt = now
	a.UpdatedAt = now

	stored := a.clone()
	m.appointments[a.ID] = &stored
	return nil
}

func (m *MemoryStore) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := a.clone()
	return &out, nil
}

func (m *MemoryStore) ListActiveAppointmentsBySlots(_ context.Context, slotIDs []uuid.UUID) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[uuid.UUID]struct{}, len(slotIDs))
	for _, id := range slotIDs {
		wanted[id] = struct{}{}
	}

	var result []Appointment
	for _, a := range m.appointments {
		if a.SlotID == nil || a.Status.Terminal() {
			continue
		}
		if _, ok := wanted[*a.SlotID]; ok {
			result = append(result, a.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) BindAppointment(_ context.Context, appointmentID, slotID uuid.UUID, allowOverbook bool) (*Appointment, *Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[appointmentID]
	if !ok {
		return nil, nil, ErrAppointmentNotFound
	}
	if a.Status != StatusPending {
		return nil, nil, ErrInvalidStatusTransition
	}
	if a.SlotID != nil && *a.SlotID != slotID {
		return nil, nil, ErrSlotAlreadyBound
	}

	sl, err := m.slotLocked(slotID)
	if err != nil {
		return nil, nil, err
	}
	if err := sl.bind(a.Ref(), allowOverbook); err != nil {
		return nil, nil, err
	}
	m.touch(sl.ScheduleID)

	id := slotID
	a.SlotID = &id
	a.UpdatedAt = m.now()

	outA := a.clone()
	outS := sl.clone()
	return &outA, &outS, nil
}

func (m *MemoryStore) BookAppointment(_ context.Context, appointmentID, slotID uuid.UUID, allowOverbook bool) (*Appointment, *Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[appointmentID]
	if !ok {
		return nil, nil, ErrAppointmentNotFound
	}
	if a.Status != StatusPending {
		return nil, nil, ErrInvalidStatusTransition
	}
	if a.SlotID != nil && *a.SlotID != slotID {
		return nil, nil, ErrSlotAlreadyBound
	}

	sl, err := m.slotLocked(slotID)
	if err != nil {
		return nil, nil, err
	}
	if err := sl.bind(a.Ref(), allowOverbook); err != nil {
		return nil, nil, err
	}
	m.touch(sl.ScheduleID)

	id := slotID
	a.SlotID = &id
	a.Status = StatusBooked
	a.StepCount++
	a.UpdatedAt = m.now()

	outA := a.clone()
	outS := sl.clone()
	return &outA, &outS, nil
}

func (m *MemoryStore) UnbindAppointment(_ context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[appointmentID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.SlotID != nil {
		if sl, err := m.slotLocked(*a.SlotID); err == nil && sl.release(a.ID) {
			m.touch(sl.ScheduleID)
		}
		a.SlotID = nil
		a.UpdatedAt = m.now()
	}
	out := a.clone()
	return &out, nil
}

func (m *MemoryStore) TransitionAppointment(_ context.Context, appointmentID uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[appointmentID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrInvalidStatusTransition
	}

	if to == StatusCancelled && a.SlotID != nil {
		if sl, err := m.slotLocked(*a.SlotID); err == nil && sl.release(a.ID) {
			m.touch(sl.ScheduleID)
		}
	}

	a.Status = to
	a.StepCount++
	if reason != nil {
		r := *reason
		a.CancellationReason = &r
	}
	a.UpdatedAt = m.now()

	out := a.clone()
	return &out, nil
}

func (m *MemoryStore) slotLocked(id uuid.UUID) (*Slot, error) {
	scheduleID, ok := m.slotIndex[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	s := m.schedules[scheduleID]
	for i := range s.Slots {
		if s.Slots[i].ID == id {
			return &s.Slots[i], nil
		}
	}
	return nil, ErrSlotNotFound
}

func (m *MemoryStore) checkNewIDsLocked(s *Schedule) error {
	if s.ID != uuid.Nil {
		if _, ok := m.schedules[s.ID]; ok {
			return fmt.Errorf("%w: schedule %s", ErrAlreadyExists, s.ID)
		}
	}
	seen := make(map[uuid.UUID]struct{}, len(s.Slots))
	for _, sl := range s.Slots {
		if sl.ID == uuid.Nil {
			continue
		}
		if _, ok := m.slotIndex[sl.ID]; ok {
			return fmt.Errorf("%w: slot %s", ErrAlreadyExists, sl.ID)
		}
		if _, ok := seen[sl.ID]; ok {
			return fmt.Errorf("%w: slot %s repeated", ErrAlreadyExists, sl.ID)
		}
		seen[sl.ID] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) touch(scheduleID uuid.UUID) {
	if s, ok := m.schedules[scheduleID]; ok {
		s.UpdatedAt = m.now()
	}
}

func sortSlots(slots []Slot) {
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
}
