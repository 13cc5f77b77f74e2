package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/events"
	redisclient "github.com/hackgods/practitioner-availability/internal/redis"
	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

var (
	ErrPaymentTimeout      = errors.New("payment confirmation timed out")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrAppointmentTerminal = errors.New("appointment is already fulfilled or cancelled")
	ErrScheduleBusy        = scheduling.ErrScheduleBusy
	ErrInvalidRequest      = errors.New("invalid request")
)

// rollbackTimeout bounds the slot release after a failed payment, which runs
// even when the caller's context is already gone.
const rollbackTimeout = 5 * time.Second

var allowedTransitions = map[scheduling.AppointmentStatus][]scheduling.AppointmentStatus{
	scheduling.StatusPending:   {scheduling.StatusBooked, scheduling.StatusCancelled},
	scheduling.StatusBooked:    {scheduling.StatusCheckedIn, scheduling.StatusCancelled},
	scheduling.StatusCheckedIn: {scheduling.StatusFulfilled, scheduling.StatusCancelled},
}

func canTransition(from, to scheduling.AppointmentStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Options struct {
	PaymentTimeout time.Duration // used when a booking request gives none
}

// Service drives appointments through pending, booked, checked_in and
// fulfilled, with cancellation from any live state.
type Service struct {
	store     scheduling.Store
	locker    redisclient.Locker
	payments  PaymentWaiter
	publisher events.Publisher
	opts      Options
	log       zerolog.Logger
}

func NewService(store scheduling.Store, locker redisclient.Locker, payments PaymentWaiter, publisher events.Publisher, opts Options, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = 2 * time.Minute
	}
	return &Service{
		store:     store,
		locker:    locker,
		payments:  payments,
		publisher: publisher,
		opts:      opts,
		log:       logger.With().Str("component", "appointment").Logger(),
	}
}

type CreateRequest struct {
	PatientID       uuid.UUID
	PractitionerID  uuid.UUID
	ServiceCategory string
	SpecialtyID     string
	Participants    []scheduling.Participant
	PaymentRef      string // set when the service must be paid before booking
}

// Create registers a new appointment in pending. The patient and practitioner
// are added as required participants when not listed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*scheduling.Appointment, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if req.PractitionerID == uuid.Nil {
		return nil, fmt.Errorf("%w: practitioner_id is required", ErrInvalidRequest)
	}

	participants := append([]scheduling.Participant(nil), req.Participants...)
	participants = ensureParticipant(participants, "Patient", req.PatientID)
	participants = ensureParticipant(participants, "Practitioner", req.PractitionerID)

	a := &scheduling.Appointment{
		PatientID:       req.PatientID,
		PractitionerID:  req.PractitionerID,
		ServiceCategory: req.ServiceCategory,
		SpecialtyID:     req.SpecialtyID,
		Participants:    participants,
	}
	if req.PaymentRef != "" {
		ref := req.PaymentRef
		a.PaymentRef = &ref
	}

	if err := s.store.CreateAppointment(ctx, a); err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.emit(ctx, a.ID, events.AppointmentCreated, map[string]any{
		"patient_id":      a.PatientID.String(),
		"practitioner_id": a.PractitionerID.String(),
	})
	return a, nil
}

func ensureParticipant(ps []scheduling.Participant, actorType string, id uuid.UUID) []scheduling.Participant {
	for _, p := range ps {
		if p.ActorID == id {
			return ps
		}
	}
	return append(ps, scheduling.Participant{
		ActorType: actorType,
		ActorID:   id,
		Required:  true,
		Status:    "needs-action",
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	return s.store.GetAppointment(ctx, id)
}

type BookRequest struct {
	AppointmentID  uuid.UUID
	SlotID         uuid.UUID
	AllowOverbook  bool
	PaymentRef     string        // overrides the reference stored on the appointment
	PaymentTimeout time.Duration // zero uses the service default
}

// BookResult is the outcome of a booking attempt. PaymentErr is set, and the
// appointment left pending with its slot released, when payment failed or
// timed out.
type BookResult struct {
	Appointment *scheduling.Appointment `json:"appointment"`
	Slot        *scheduling.Slot        `json:"slot"`
	PaymentErr  error                   `json:"-"`
}

// Book binds the appointment to the slot and, once any required payment is
// confirmed, moves it to booked. Without a payment the bind and the status
// change are one store step. Binding conflicts are returned as errors;
// payment failures are rolled back and reported through BookResult.
func (s *Service) Book(ctx context.Context, req BookRequest) (*BookResult, error) {
	appt, err := s.store.GetAppointment(ctx, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	slot, err := s.store.GetSlot(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}

	ref := req.PaymentRef
	if ref == "" && appt.PaymentRef != nil {
		ref = *appt.PaymentRef
	}
	if ref == "" {
		return s.bookNow(ctx, req, slot.ScheduleID)
	}

	var bound *scheduling.Slot
	err = s.withScheduleLock(ctx, slot.ScheduleID, func(lockCtx context.Context) error {
		var err error
		appt, bound, err = s.store.BindAppointment(lockCtx, req.AppointmentID, req.SlotID, req.AllowOverbook)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emitBound(ctx, appt.ID, bound)

	if payErr := s.awaitPayment(ctx, ref, req.PaymentTimeout); payErr != nil {
		return s.rollback(ctx, appt, slot.ScheduleID, ref, payErr)
	}

	var booked *scheduling.Appointment
	err = s.withScheduleLock(ctx, slot.ScheduleID, func(lockCtx context.Context) error {
		var err error
		booked, err = s.transition(lockCtx, appt, scheduling.StatusBooked, nil)
		return err
	})
	if errors.Is(err, scheduling.ErrInvalidStatusTransition) || errors.Is(err, ErrAppointmentTerminal) {
		// Cancelled meanwhile; the cancellation already released the slot.
		return nil, err
	}
	if err != nil {
		// Leave the appointment pending and the slot free rather than held by
		// an appointment that never became booked.
		if _, uerr := s.unbind(ctx, appt.ID, slot.ScheduleID); uerr != nil {
			s.log.Error().Err(uerr).Str("appointment_id", appt.ID.String()).Msg("slot rollback after failed booking failed")
			return nil, fmt.Errorf("book appointment: %w (rollback: %v)", err, uerr)
		}
		return nil, err
	}

	current, err := s.store.GetSlot(ctx, req.SlotID)
	if err != nil {
		current = bound
	}
	return &BookResult{Appointment: booked, Slot: current}, nil
}

func (s *Service) bookNow(ctx context.Context, req BookRequest, scheduleID uuid.UUID) (*BookResult, error) {
	var booked *scheduling.Appointment
	var bound *scheduling.Slot
	err := s.withScheduleLock(ctx, scheduleID, func(lockCtx context.Context) error {
		var err error
		booked, bound, err = s.store.BookAppointment(lockCtx, req.AppointmentID, req.SlotID, req.AllowOverbook)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emitBound(ctx, booked.ID, bound)
	s.emit(ctx, booked.ID, events.AppointmentBooked, map[string]any{
		"from":    string(scheduling.StatusPending),
		"to":      string(scheduling.StatusBooked),
		"slot_id": bound.ID.String(),
	})
	s.log.Info().
		Str("appointment_id", booked.ID.String()).
		Str("slot_id", bound.ID.String()).
		Msg("appointment booked")
	return &BookResult{Appointment: booked, Slot: bound}, nil
}

func (s *Service) emitBound(ctx context.Context, appointmentID uuid.UUID, slot *scheduling.Slot) {
	s.emit(ctx, appointmentID, events.AppointmentSlotBound, map[string]any{
		"slot_id":    slot.ID.String(),
		"overbooked": slot.Overbooked,
	})
}

// withScheduleLock runs fn under the schedule lock, reporting a lock wait
// timeout as ErrScheduleBusy.
func (s *Service) withScheduleLock(ctx context.Context, scheduleID uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, redisclient.ScheduleLockKey(scheduleID), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrScheduleBusy
	}
	return err
}

func (s *Service) awaitPayment(ctx context.Context, ref string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.opts.PaymentTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	approved, err := s.payments.Await(waitCtx, ref)
	switch {
	case err == nil && approved:
		return nil
	case err == nil:
		return ErrPaymentFailed
	case waitCtx.Err() != nil:
		return ErrPaymentTimeout
	default:
		return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
}

// rollback releases the slot bound for an appointment whose payment did not
// go through. The appointment stays pending so payment can be retried.
func (s *Service) rollback(ctx context.Context, appt *scheduling.Appointment, scheduleID uuid.UUID, ref string, payErr error) (*BookResult, error) {
	var slotID uuid.UUID
	if appt.SlotID != nil {
		slotID = *appt.SlotID
	}

	released, err := s.unbind(ctx, appt.ID, scheduleID)
	if err != nil {
		s.log.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("slot rollback after payment failure failed")
		return nil, fmt.Errorf("rollback slot binding: %w", err)
	}

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	s.log.Warn().Err(payErr).Str("appointment_id", appt.ID.String()).Str("payment_ref", ref).Msg("payment not confirmed, slot released")
	s.emit(rbCtx, appt.ID, events.AppointmentPaymentFailed, map[string]any{
		"payment_ref": ref,
		"reason":      payErr.Error(),
		"slot_id":     slotID.String(),
	})

	slot, err := s.store.GetSlot(rbCtx, slotID)
	if err != nil {
		slot = nil
	}
	return &BookResult{Appointment: released, Slot: slot, PaymentErr: payErr}, nil
}

// unbind drops the appointment's slot under the schedule lock. It runs even
// when the caller's context is already gone.
func (s *Service) unbind(ctx context.Context, appointmentID, scheduleID uuid.UUID) (*scheduling.Appointment, error) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var released *scheduling.Appointment
	err := s.withScheduleLock(rbCtx, scheduleID, func(lockCtx context.Context) error {
		var err error
		released, err = s.store.UnbindAppointment(lockCtx, appointmentID)
		return err
	})
	return released, err
}

// CheckIn records the patient's arrival. The appointment must be booked and
// still hold its slot; both are checked under the schedule lock so a
// concurrent deletion cannot remove the slot in between.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.SlotID == nil {
		return nil, scheduling.ErrSlotNotBound
	}
	slot, err := s.store.GetSlot(ctx, *appt.SlotID)
	if err != nil {
		if errors.Is(err, scheduling.ErrSlotNotFound) {
			return nil, scheduling.ErrSlotNotBound
		}
		return nil, err
	}

	var checkedIn *scheduling.Appointment
	err = s.withScheduleLock(ctx, slot.ScheduleID, func(lockCtx context.Context) error {
		current, err := s.store.GetAppointment(lockCtx, id)
		if err != nil {
			return err
		}
		if current.SlotID == nil || *current.SlotID != slot.ID {
			return scheduling.ErrSlotNotBound
		}
		held, err := s.store.GetSlot(lockCtx, slot.ID)
		if errors.Is(err, scheduling.ErrSlotNotFound) {
			return scheduling.ErrSlotNotBound
		}
		if err != nil {
			return err
		}
		if !held.HasAppointment(id) {
			return scheduling.ErrSlotNotBound
		}
		checkedIn, err = s.transition(lockCtx, current, scheduling.StatusCheckedIn, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return checkedIn, nil
}

// Fulfil marks the encounter complete.
func (s *Service) Fulfil(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, appt, scheduling.StatusFulfilled, nil)
}

// Cancel moves a live appointment to cancelled and releases its slot in the
// same store operation.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*scheduling.Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status.Terminal() {
		return nil, ErrAppointmentTerminal
	}

	var rsn *string
	if reason != "" {
		rsn = &reason
	}

	if appt.SlotID == nil {
		return s.transition(ctx, appt, scheduling.StatusCancelled, rsn)
	}

	slot, err := s.store.GetSlot(ctx, *appt.SlotID)
	if errors.Is(err, scheduling.ErrSlotNotFound) {
		return s.transition(ctx, appt, scheduling.StatusCancelled, rsn)
	}
	if err != nil {
		return nil, err
	}

	var cancelled *scheduling.Appointment
	err = s.withScheduleLock(ctx, slot.ScheduleID, func(lockCtx context.Context) error {
		// Re-read under the lock; a payment rollback may have unbound it meanwhile.
		current, err := s.store.GetAppointment(lockCtx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return ErrAppointmentTerminal
		}
		cancelled, err = s.transition(lockCtx, current, scheduling.StatusCancelled, rsn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *Service) transition(ctx context.Context, appt *scheduling.Appointment, to scheduling.AppointmentStatus, reason *string) (*scheduling.Appointment, error) {
	if appt.Status.Terminal() {
		return nil, ErrAppointmentTerminal
	}
	if !canTransition(appt.Status, to) {
		return nil, scheduling.ErrInvalidStatusTransition
	}

	updated, err := s.store.TransitionAppointment(ctx, appt.ID, appt.Status, to, reason)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"from": string(appt.Status),
		"to":   string(to),
	}
	if updated.SlotID != nil {
		payload["slot_id"] = updated.SlotID.String()
	}
	if reason != nil {
		payload["reason"] = *reason
	}
	s.emit(ctx, updated.ID, transitionEvent(to), payload)

	s.log.Info().
		Str("appointment_id", updated.ID.String()).
		Str("from", string(appt.Status)).
		Str("to", string(to)).
		Msg("appointment transitioned")
	return updated, nil
}

func transitionEvent(to scheduling.AppointmentStatus) string {
	switch to {
	case scheduling.StatusBooked:
		return events.AppointmentBooked
	case scheduling.StatusCheckedIn:
		return events.AppointmentCheckedIn
	case scheduling.StatusFulfilled:
		return events.AppointmentFulfilled
	default:
		return events.AppointmentCancelled
	}
}

func (s *Service) emit(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	id := appointmentID
	ev := events.Event{
		Type:          eventType,
		AppointmentID: &id,
		Payload:       payload,
		At:            time.Now(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("appointment_id", appointmentID.String()).Msg("publish event failed")
	}
}
