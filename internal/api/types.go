package api

import (
	"time"

	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

type SlotInput struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Comment *string   `json:"comment,omitempty"`
}

type CreateScheduleRequest struct {
	PractitionerID string      `json:"practitioner_id"`
	PlanningStart  time.Time   `json:"planning_start"`
	PlanningEnd    time.Time   `json:"planning_end"`
	Comment        *string     `json:"comment,omitempty"`
	Slots          []SlotInput `json:"slots"`
}

type IDsRequest struct {
	IDs []string `json:"ids"`
}

// DateRangeRequest takes calendar dates as YYYY-MM-DD.
type DateRangeRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// TimeRangeRequest takes times of day as HH:MM or HH:MM:SS.
type TimeRangeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type CreateAppointmentRequest struct {
	PatientID       string                   `json:"patient_id"`
	PractitionerID  string                   `json:"practitioner_id"`
	ServiceCategory string                   `json:"service_category"`
	SpecialtyID     string                   `json:"specialty_id"`
	Participants    []scheduling.Participant `json:"participants,omitempty"`
	PaymentRef      string                   `json:"payment_ref,omitempty"`
}

type BookRequest struct {
	SlotID                string `json:"slot_id"`
	AllowOverbook         bool   `json:"allow_overbook"`
	PaymentRef            string `json:"payment_ref,omitempty"`
	PaymentTimeoutSeconds int    `json:"payment_timeout_seconds,omitempty"`
}

type BookResponse struct {
	Appointment  *scheduling.Appointment `json:"appointment"`
	Slot         *scheduling.Slot        `json:"slot,omitempty"`
	PaymentError string                  `json:"payment_error,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RecommendationRequest struct {
	PatientID       string `json:"patient_id"`
	PractitionerID  string `json:"practitioner_id"`
	ServiceCategory string `json:"service_category"`
	SpecialtyID     string `json:"specialty_id"`
	From            string `json:"from,omitempty"`
	To              string `json:"to,omitempty"`
}

type PaymentSignalRequest struct {
	Approved bool `json:"approved"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
