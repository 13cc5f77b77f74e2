package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/appointment"
	"github.com/hackgods/practitioner-availability/internal/recommend"
	redisclient "github.com/hackgods/practitioner-availability/internal/redis"
	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

const dateLayout = "2006-01-02"

type Handler struct {
	store     scheduling.Store
	query     *scheduling.QueryEngine
	bulk      *scheduling.BulkEngine
	recommend *recommend.Recommender
	appts     *appointment.Service
	payments  appointment.PaymentSignaler
	log       zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseIDs(w http.ResponseWriter, raw []string) ([]uuid.UUID, bool) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_id", s+" is not a valid UUID")
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

func (h *Handler) parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, s, h.query.Location())
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	practitionerID, err := uuid.Parse(req.PractitionerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
		return
	}

	s := &scheduling.Schedule{
		PractitionerID: practitionerID,
		PlanningStart:  req.PlanningStart,
		PlanningEnd:    req.PlanningEnd,
		Comment:        req.Comment,
	}
	for _, in := range req.Slots {
		s.Slots = append(s.Slots, scheduling.Slot{Start: in.Start, End: in.End, Comment: in.Comment})
	}

	if err := h.store.CreateSchedule(r.Context(), s); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.store.GetSchedule(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// scheduleAppointments lists the live appointments holding the schedule's
// slots, which are the ones a deletion of the schedule would cancel.
func (h *Handler) scheduleAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.store.GetSchedule(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	slotIDs := make([]uuid.UUID, len(s.Slots))
	for i, sl := range s.Slots {
		slotIDs[i] = sl.ID
	}
	appts, err := h.store.ListActiveAppointmentsBySlots(r.Context(), slotIDs)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if appts == nil {
		appts = []scheduling.Appointment{}
	}
	writeJSON(w, http.StatusOK, appts)
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	from, err := h.parseDate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
		return
	}
	to, err := h.parseDate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be YYYY-MM-DD")
		return
	}

	sum, err := h.query.Availability(r.Context(), practitionerID, scheduling.DateRange{From: from, To: to})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) deleteSchedules(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if !decode(w, r, &req) {
		return
	}
	ids, ok := parseIDs(w, req.IDs)
	if !ok {
		return
	}
	res, err := h.bulk.DeleteSchedulesByID(r.Context(), ids)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) deleteSchedulesByDate(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req DateRangeRequest
	if !decode(w, r, &req) {
		return
	}
	start, err1 := h.parseDate(req.StartDate)
	end, err2 := h.parseDate(req.EndDate)
	if err1 != nil || err2 != nil || start == nil || end == nil {
		writeError(w, http.StatusBadRequest, "invalid_date_range", "start_date and end_date must be YYYY-MM-DD")
		return
	}
	if end.Before(*start) {
		writeError(w, http.StatusBadRequest, "invalid_date_range", "end_date is before start_date")
		return
	}

	res, err := h.bulk.DeleteSchedulesByDateRange(r.Context(), practitionerID, *start, *end)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) deleteSlots(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req IDsRequest
	if !decode(w, r, &req) {
		return
	}
	ids, ok := parseIDs(w, req.IDs)
	if !ok {
		return
	}
	res, err := h.bulk.DeleteSlotsByID(r.Context(), scheduleID, ids)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) deleteSlotsByTime(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req TimeRangeRequest
	if !decode(w, r, &req) {
		return
	}
	from, err1 := scheduling.ParseTimeOfDay(req.From)
	to, err2 := scheduling.ParseTimeOfDay(req.To)
	if err1 != nil || err2 != nil || to < from {
		writeError(w, http.StatusBadRequest, "invalid_time_range", "from and to must be HH:MM with from not after to")
		return
	}

	res, err := h.bulk.DeleteSlotsByTimeRange(r.Context(), scheduleID, from, to)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) recommendations(w http.ResponseWriter, r *http.Request) {
	var req RecommendationRequest
	if !decode(w, r, &req) {
		return
	}
	practitionerID, err := uuid.Parse(req.PractitionerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
		return
	}
	patientID, _ := uuid.Parse(req.PatientID)
	from, err1 := h.parseDate(req.From)
	to, err2 := h.parseDate(req.To)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid_date_range", "from and to must be YYYY-MM-DD")
		return
	}

	res, err := h.recommend.Recommend(r.Context(), recommend.Request{
		PatientID:       patientID,
		PractitionerID:  practitionerID,
		ServiceCategory: req.ServiceCategory,
		SpecialtyID:     req.SpecialtyID,
		From:            from,
		To:              to,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	practitionerID, err := uuid.Parse(req.PractitionerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
		return
	}

	appt, err := h.appts.Create(r.Context(), appointment.CreateRequest{
		PatientID:       patientID,
		PractitionerID:  practitionerID,
		ServiceCategory: req.ServiceCategory,
		SpecialtyID:     req.SpecialtyID,
		Participants:    req.Participants,
		PaymentRef:      req.PaymentRef,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

func (h *Handler) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.appts.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) bookAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req BookRequest
	if !decode(w, r, &req) {
		return
	}
	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
		return
	}

	res, err := h.appts.Book(r.Context(), appointment.BookRequest{
		AppointmentID:  id,
		SlotID:         slotID,
		AllowOverbook:  req.AllowOverbook,
		PaymentRef:     req.PaymentRef,
		PaymentTimeout: time.Duration(req.PaymentTimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := BookResponse{Appointment: res.Appointment, Slot: res.Slot}
	if res.PaymentErr != nil {
		resp.PaymentError = res.PaymentErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.appts.CheckIn(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) fulfil(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.appts.Fulfil(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	appt, err := h.appts.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// paymentSignal is the gateway webhook that confirms or declines a payment.
func (h *Handler) paymentSignal(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	var req PaymentSignalRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.payments.Signal(r.Context(), ref, req.Approved); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scheduling.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
	case errors.Is(err, appointment.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, scheduling.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "schedule_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", "slot unavailable, choose another or confirm overbooking")
	case errors.Is(err, scheduling.ErrSlotAlreadyBound):
		writeError(w, http.StatusConflict, "slot_already_bound", err.Error())
	case errors.Is(err, scheduling.ErrSlotNotBound):
		writeError(w, http.StatusConflict, "slot_not_bound", err.Error())
	case errors.Is(err, scheduling.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrAppointmentTerminal):
		writeError(w, http.StatusConflict, "appointment_terminal", err.Error())
	case errors.Is(err, scheduling.ErrScheduleBusy), errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "schedule_busy", "schedule is currently being modified, please retry shortly")
	case errors.Is(err, scheduling.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", "slot changed concurrently, please retry")
	case errors.Is(err, scheduling.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error())
	default:
		h.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
