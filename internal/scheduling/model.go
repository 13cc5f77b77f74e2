package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotFree   SlotStatus = "free"
	SlotBooked SlotStatus = "booked"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusBooked    AppointmentStatus = "booked"
	StatusCheckedIn AppointmentStatus = "checked_in"
	StatusFulfilled AppointmentStatus = "fulfilled"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

// Schedule is one practitioner's open availability window, typically a day.
// It owns its slots.
type Schedule struct {
	ID             uuid.UUID `json:"id"`
	PractitionerID uuid.UUID `json:"practitioner_id"`
	PlanningStart  time.Time `json:"planning_start"`
	PlanningEnd    time.Time `json:"planning_end"`
	Comment        *string   `json:"comment,omitempty"`
	Slots          []Slot    `json:"slots"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AppointmentRef is the non-owning link from a slot to a bound appointment.
type AppointmentRef struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
}

// Slot is a bookable unit inside a schedule. Version is bumped on every
// mutation and used as the compare-and-swap token by persistent stores.
type Slot struct {
	ID           uuid.UUID        `json:"id"`
	ScheduleID   uuid.UUID        `json:"schedule_id"`
	Start        time.Time        `json:"start"`
	End          time.Time        `json:"end"`
	Status       SlotStatus       `json:"status"`
	Overbooked   bool             `json:"overbooked"`
	Appointments []AppointmentRef `json:"appointments"`
	Comment      *string          `json:"comment,omitempty"`
	Version      int              `json:"version"`
}

// HasAppointment reports whether the appointment is bound to the slot.
func (sl *Slot) HasAppointment(id uuid.UUID) bool {
	for _, ref := range sl.Appointments {
		if ref.AppointmentID == id {
			return true
		}
	}
	return false
}

// bind applies a reservation to the slot in place.
func (sl *Slot) bind(ref AppointmentRef, allowOverbook bool) error {
	if sl.HasAppointment(ref.AppointmentID) {
		return nil
	}
	switch sl.Status {
	case SlotFree:
		sl.Status = SlotBooked
	case SlotBooked:
		if !allowOverbook {
			return ErrSlotUnavailable
		}
		sl.Overbooked = true
	}
	sl.Appointments = append(sl.Appointments, ref)
	sl.Version++
	return nil
}

// release removes an appointment reference and recomputes status and the
// overbooked flag from the references that remain. It reports whether the
// slot changed.
func (sl *Slot) release(appointmentID uuid.UUID) bool {
	kept := sl.Appointments[:0:0]
	for _, ref := range sl.Appointments {
		if ref.AppointmentID != appointmentID {
			kept = append(kept, ref)
		}
	}
	if len(kept) == len(sl.Appointments) {
		return false
	}

	sl.Appointments = kept
	switch len(kept) {
	case 0:
		sl.Status = SlotFree
		sl.Overbooked = false
	case 1:
		sl.Status = SlotBooked
		sl.Overbooked = false
	default:
		sl.Status = SlotBooked
		sl.Overbooked = true
	}
	sl.Version++
	return true
}

func (sl Slot) clone() Slot {
	out := sl
	out.Appointments = append([]AppointmentRef(nil), sl.Appointments...)
	if sl.Comment != nil {
		c := *sl.Comment
		out.Comment = &c
	}
	return out
}

func (s Schedule) clone() Schedule {
	out := s
	out.Slots = make([]Slot, len(s.Slots))
	for i, sl := range s.Slots {
		out.Slots[i] = sl.clone()
	}
	if s.Comment != nil {
		c := *s.Comment
		out.Comment = &c
	}
	return out
}

// Participant is an actor taking part in an appointment.
type Participant struct {
	ActorType string    `json:"actor_type"` // Patient, Practitioner, RelatedPerson, Device
	ActorID   uuid.UUID `json:"actor_id"`
	Required  bool      `json:"required"`
	Status    string    `json:"status"` // accepted, declined, tentative, needs-action
}

type Appointment struct {
	ID                 uuid.UUID         `json:"id"`
	PatientID          uuid.UUID         `json:"patient_id"`
	PractitionerID     uuid.UUID         `json:"practitioner_id"`
	SlotID             *uuid.UUID        `json:"slot_id,omitempty"`
	Status             AppointmentStatus `json:"status"`
	StepCount          int               `json:"step_count"`
	ServiceCategory    string            `json:"service_category"`
	SpecialtyID        string            `json:"specialty_id"`
	Participants       []Participant     `json:"participants"`
	PaymentRef         *string           `json:"payment_ref,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Ref returns the reference stored on a slot when this appointment binds it.
func (a *Appointment) Ref() AppointmentRef {
	return AppointmentRef{AppointmentID: a.ID, PatientID: a.PatientID}
}

func (a Appointment) clone() Appointment {
	out := a
	out.Participants = append([]Participant(nil), a.Participants...)
	if a.SlotID != nil {
		id := *a.SlotID
		out.SlotID = &id
	}
	if a.PaymentRef != nil {
		r := *a.PaymentRef
		out.PaymentRef = &r
	}
	if a.CancellationReason != nil {
		r := *a.CancellationReason
		out.CancellationReason = &r
	}
	return out
}

// validateWindow checks planning bounds and that every slot lies within
// [start, end).
func validateWindow(s *Schedule) error {
	if !s.PlanningStart.Before(s.PlanningEnd) {
		return ErrInvalidWindow
	}
	for _, sl := range s.Slots {
		if !sl.Start.Before(sl.End) {
			return ErrInvalidWindow
		}
		if sl.Start.Before(s.PlanningStart) || !sl.Start.Before(s.PlanningEnd) || sl.End.After(s.PlanningEnd) {
			return ErrInvalidWindow
		}
	}
	return nil
}
