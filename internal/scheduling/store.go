package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary for schedules, slots and appointments.
// Every method is atomic: readers never observe a partially applied call.
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error)
	// ListSchedulesByPractitioner returns schedules ordered by planning start,
	// each with its slots ordered by start.
	ListSchedulesByPractitioner(ctx context.Context, practitionerID uuid.UUID) ([]Schedule, error)
	// ListEndedSchedules returns ids of schedules whose planning end is before the cutoff.
	ListEndedSchedules(ctx context.Context, before time.Time) ([]uuid.UUID, error)

	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	BindAppointmentToSlot(ctx context.Context, slotID uuid.UUID, ref AppointmentRef, allowOverbook bool) (*Slot, error)
	ReleaseAppointmentFromSlot(ctx context.Context, slotID, appointmentID uuid.UUID) (*Slot, error)

	// DeleteSchedules removes schedules and all their slots. Live appointments
	// bound to a removed slot are cancelled with reason in the same step.
	// Unknown ids are skipped.
	DeleteSchedules(ctx context.Context, ids []uuid.UUID, reason string) (DeleteResult, error)
	// DeleteSlots removes slots of one schedule, cancelling bound live
	// appointments like DeleteSchedules. Unknown ids are skipped.
	DeleteSlots(ctx context.Context, scheduleID uuid.UUID, ids []uuid.UUID, reason string) (DeleteResult, error)

	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListActiveAppointmentsBySlots returns non-terminal appointments bound to any of the slots.
	ListActiveAppointmentsBySlots(ctx context.Context, slotIDs []uuid.UUID) ([]Appointment, error)

	// BindAppointment binds a pending appointment to a slot and records the
	// slot on the appointment in one step.
	BindAppointment(ctx context.Context, appointmentID, slotID uuid.UUID, allowOverbook bool) (*Appointment, *Slot, error)
	// UnbindAppointment releases the appointment's slot and clears its slot id.
	UnbindAppointment(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error)
	// BookAppointment binds a pending appointment to a slot and moves it to
	// booked in one step. Nobody observes the slot taken by a pending appointment.
	BookAppointment(ctx context.Context, appointmentID, slotID uuid.UUID, allowOverbook bool) (*Appointment, *Slot, error)
	// TransitionAppointment moves an appointment from one status to another.
	// Moving to cancelled also releases the bound slot in the same step.
	TransitionAppointment(ctx context.Context, appointmentID uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error)
}

// DeleteResult reports what a delete removed. Cancelled lists the appointments
// cancelled because their slot went away, as they are after the change.
type DeleteResult struct {
	Schedules int
	Slots     int
	Cancelled []Appointment
}
