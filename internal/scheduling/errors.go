package scheduling

import "errors"

var (
	ErrInvalidWindow    = errors.New("invalid planning window")
	ErrSlotUnavailable  = errors.New("slot unavailable")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrSlotNotFound     = errors.New("slot not found")

	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrSlotNotBound            = errors.New("appointment has no bound slot")
	ErrSlotAlreadyBound        = errors.New("appointment already bound to another slot")

	ErrAlreadyExists   = errors.New("id already exists")
	ErrScheduleBusy    = errors.New("schedule is being modified, please retry")
	ErrVersionConflict = errors.New("slot version conflict, retries exhausted")
)
