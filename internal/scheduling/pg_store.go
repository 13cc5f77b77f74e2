package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxCASAttempts bounds how often a slot update is retried after losing a
// version race inside one transaction.
const maxCASAttempts = 5

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore persists schedules, slots and appointments in Postgres. Each method
// runs in one transaction; slot writes compare-and-swap on the version column.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

const slotColumns = `id, schedule_id, start_time, end_time, status, overbooked, comment, version`

const appointmentColumns = `id, patient_id, practitioner_id, slot_id, status, step_count,
	service_category, specialty_id, participants, payment_ref, cancellation_reason, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var sl Slot
	err := row.Scan(
		&sl.ID,
		&sl.ScheduleID,
		&sl.Start,
		&sl.End,
		&sl.Status,
		&sl.Overbooked,
		&sl.Comment,
		&sl.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &sl, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var participants []byte

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.PractitionerID,
		&a.SlotID,
		&a.Status,
		&a.StepCount,
		&a.ServiceCategory,
		&a.SpecialtyID,
		&participants,
		&a.PaymentRef,
		&a.CancellationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &a.Participants); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
	}
	return &a, nil
}

func (s *PgStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// loadSchedules reads schedules matching the where clause together with their
// slots and bound appointment references.
func loadSchedules(ctx context.Context, q querier, where string, args ...any) ([]Schedule, error) {
	rows, err := q.Query(ctx, `
		SELECT id, practitioner_id, planning_start, planning_end, comment, created_at, updated_at
		FROM schedules
		WHERE `+where+`
		ORDER BY planning_start, id
	`, args...)
	if err != nil {
		return nil, err
	}

	var result []Schedule
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.PractitionerID, &sc.PlanningStart, &sc.PlanningEnd, &sc.Comment, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		index[sc.ID] = len(result)
		result = append(result, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(result))
	for _, sc := range result {
		ids = append(ids, sc.ID)
	}

	slots, err := loadSlots(ctx, q, `schedule_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for _, sl := range slots {
		i := index[sl.ScheduleID]
		result[i].Slots = append(result[i].Slots, sl)
	}
	return result, nil
}

func loadSlots(ctx context.Context, q querier, where string, args ...any) ([]Slot, error) {
	rows, err := q.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE `+where+`
		ORDER BY start_time, id
	`, args...)
	if err != nil {
		return nil, err
	}

	var slots []Slot
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[sl.ID] = len(slots)
		slots = append(slots, *sl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(slots))
	for _, sl := range slots {
		ids = append(ids, sl.ID)
	}

	refRows, err := q.Query(ctx, `
		SELECT slot_id, appointment_id, patient_id
		FROM slot_appointments
		WHERE slot_id = ANY($1)
		ORDER BY seq
	`, ids)
	if err != nil {
		return nil, err
	}
	defer refRows.Close()

	for refRows.Next() {
		var slotID uuid.UUID
		var ref AppointmentRef
		if err := refRows.Scan(&slotID, &ref.AppointmentID, &ref.PatientID); err != nil {
			return nil, err
		}
		i := index[slotID]
		slots[i].Appointments = append(slots[i].Appointments, ref)
	}
	return slots, refRows.Err()
}

func loadSlot(ctx context.Context, q querier, id uuid.UUID) (*Slot, error) {
	slots, err := loadSlots(ctx, q, `id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, ErrSlotNotFound
	}
	return &slots[0], nil
}

// casSlot writes the mutated slot if its version is still the one read.
// The appointment link rows are written by the caller.
func duplicateKey(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}

// cancelBoundTx cancels live appointments bound to the slots matched by
// slotFilter. It must run before the slots are deleted.
func cancelBoundTx(ctx context.Context, q querier, reason, slotFilter string, args ...any) ([]Appointment, error) {
	args = append([]any{reason}, args...)
	rows, err := q.Query(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    step_count = step_count + 1,
		    cancellation_reason = $1,
		    updated_at = now()
		WHERE slot_id IN (SELECT id FROM slots WHERE `+slotFilter+`)
		  AND status NOT IN ('fulfilled', 'cancelled')
		RETURNING `+appointmentColumns, args...)
	if err != nil {
		return nil, fmt.Errorf("cancel bound appointments: %w", err)
	}
	defer rows.Close()

	var cancelled []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		cancelled = append(cancelled, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(cancelled, func(i, j int) bool {
		return cancelled[i].CreatedAt.Before(cancelled[j].CreatedAt)
	})
	return cancelled, nil
}

func casSlot(ctx context.Context, q querier, prev, next *Slot) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE slots
		SET status = $3,
		    overbooked = $4,
		    version = $5,
		    updated_at = now()
		WHERE id = $1
		  AND version = $2
	`, next.ID, prev.Version, next.Status, next.Overbooked, next.Version)
	if err != nil {
		return false, fmt.Errorf("update slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = q.Exec(ctx, `UPDATE schedules SET updated_at = now() WHERE id = $1`, next.ScheduleID)
	return err == nil, err
}

func bindSlotTx(ctx context.Context, q querier, slotID uuid.UUID, ref AppointmentRef, allowOverbook bool) (*Slot, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		prev, err := loadSlot(ctx, q, slotID)
		if err != nil {
			return nil, err
		}
		next := prev.clone()
		if err := next.bind(ref, allowOverbook); err != nil {
			return nil, err
		}
		if next.Version == prev.Version {
			return prev, nil
		}

		ok, err := casSlot(ctx, q, prev, &next)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		_, err = q.Exec(ctx, `
			INSERT INTO slot_appointments (slot_id, appointment_id, patient_id)
			VALUES ($1, $2, $3)
		`, slotID, ref.AppointmentID, ref.PatientID)
		if err != nil {
			return nil, fmt.Errorf("insert slot appointment: %w", err)
		}
		return &next, nil
	}
	return nil, ErrVersionConflict
}

func releaseSlotTx(ctx context.Context, q querier, slotID, appointmentID uuid.UUID) (*Slot, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		prev, err := loadSlot(ctx, q, slotID)
		if err != nil {
			return nil, err
		}
		next := prev.clone()
		if !next.release(appointmentID) {
			return prev, nil
		}

		ok, err := casSlot(ctx, q, prev, &next)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		_, err = q.Exec(ctx, `
			DELETE FROM slot_appointments
			WHERE slot_id = $1 AND appointment_id = $2
		`, slotID, appointmentID)
		if err != nil {
			return nil, fmt.Errorf("delete slot appointment: %w", err)
		}
		return &next, nil
	}
	return nil, ErrVersionConflict
}

// Interface methods

func (s *PgStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	if err := validateWindow(sc); err != nil {
		return err
	}

	if sc.ID == uuid.Nil {
		sc.ID = uuid.New()
	}
	for i := range sc.Slots {
		sl := &sc.Slots[i]
		if sl.ID == uuid.Nil {
			sl.ID = uuid.New()
		}
		sl.ScheduleID = sc.ID
		sl.Status = SlotFree
		sl.Overbooked = false
		sl.Appointments = nil
		sl.Version = 1
	}
	sortSlots(sc.Slots)

	return s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO schedules (id, practitioner_id, planning_start, planning_end, comment, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			RETURNING created_at, updated_at
		`, sc.ID, sc.PractitionerID, sc.PlanningStart, sc.PlanningEnd, sc.Comment).Scan(&sc.CreatedAt, &sc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert schedule: %w", duplicateKey(err))
		}

		batch := &pgx.Batch{}
		for _, sl := range sc.Slots {
			batch.Queue(`
				INSERT INTO slots (id, schedule_id, start_time, end_time, status, overbooked, comment, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, false, $6, 1, now(), now())
			`, sl.ID, sl.ScheduleID, sl.Start, sl.End, sl.Status, sl.Comment)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert slots: %w", duplicateKey(err))
		}
		return nil
	})
}

func (s *PgStore) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	schedules, err := loadSchedules(ctx, s.pool, `id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if len(schedules) == 0 {
		return nil, ErrScheduleNotFound
	}
	return &schedules[0], nil
}

func (s *PgStore) ListSchedulesByPractitioner(ctx context.Context, practitionerID uuid.UUID) ([]Schedule, error) {
	var result []Schedule
	// One repeatable-read snapshot so slots and references agree with the schedules read.
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		result, err = loadSchedules(ctx, tx, `practitioner_id = $1`, practitionerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return result, nil
}

func (s *PgStore) ListEndedSchedules(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM schedules
		WHERE planning_end < $1
		ORDER BY planning_end
	`, before)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (s *PgStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return loadSlot(ctx, s.pool, id)
}

func (s *PgStore) BindAppointmentToSlot(ctx context.Context, slotID uuid.UUID, ref AppointmentRef, allowOverbook bool) (*Slot, error) {
	var out *Slot
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		sl, err := bindSlotTx(ctx, tx, slotID, ref, allowOverbook)
		out = sl
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgStore) ReleaseAppointmentFromSlot(ctx context.Context, slotID, appointmentID uuid.UUID) (*Slot, error) {
	var out *Slot
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		sl, err := releaseSlotTx(ctx, tx, slotID, appointmentID)
		out = sl
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgStore) DeleteSchedules(ctx context.Context, ids []uuid.UUID, reason string) (DeleteResult, error) {
	var res DeleteResult
	if len(ids) == 0 {
		return res, nil
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock the schedule rows first so concurrent slot writers finish or wait.
		rows, err := tx.Query(ctx, `SELECT id FROM schedules WHERE id = ANY($1) FOR UPDATE`, ids)
		if err != nil {
			return err
		}
		locked, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return err
		}
		if len(locked) == 0 {
			return nil
		}

		res.Cancelled, err = cancelBoundTx(ctx, tx, reason, `schedule_id = ANY($2)`, locked)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM slots WHERE schedule_id = ANY($1)`, locked)
		if err != nil {
			return fmt.Errorf("delete slots: %w", err)
		}
		res.Slots = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `DELETE FROM schedules WHERE id = ANY($1)`, locked)
		if err != nil {
			return fmt.Errorf("delete schedules: %w", err)
		}
		res.Schedules = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return res, nil
}

func (s *PgStore) DeleteSlots(ctx context.Context, scheduleID uuid.UUID, ids []uuid.UUID, reason string) (DeleteResult, error) {
	var res DeleteResult
	if len(ids) == 0 {
		return res, nil
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		res.Cancelled, err = cancelBoundTx(ctx, tx, reason, `schedule_id = $2 AND id = ANY($3)`, scheduleID, ids)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM slots WHERE schedule_id = $1 AND id = ANY($2)`, scheduleID, ids)
		if err != nil {
			return fmt.Errorf("delete slots: %w", err)
		}
		res.Slots = int(tag.RowsAffected())
		if res.Slots > 0 {
			_, err = tx.Exec(ctx, `UPDATE schedules SET updated_at = now() WHERE id = $1`, scheduleID)
		}
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return res, nil
}

func (s *PgStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	participants, err := json.Marshal(a.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, practitioner_id, slot_id, status, step_count,
			service_category, specialty_id, participants, payment_ref, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, 'pending', 0, $4, $5, $6, $7, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.PractitionerID, a.ServiceCategory, a.SpecialtyID, participants, a.PaymentRef)

	created, err := scanAppointment(row)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	*a = *created
	return nil
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) ListActiveAppointmentsBySlots(ctx context.Context, slotIDs []uuid.UUID) ([]Appointment, error) {
	if len(slotIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = ANY($1)
		  AND status NOT IN ('fulfilled', 'cancelled')
		ORDER BY created_at
	`, slotIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *PgStore) BindAppointment(ctx context.Context, appointmentID, slotID uuid.UUID, allowOverbook bool) (*Appointment, *Slot, error) {
	return s.bindAppointment(ctx, appointmentID, slotID, allowOverbook, StatusPending)
}

func (s *PgStore) BookAppointment(ctx context.Context, appointmentID, slotID uuid.UUID, allowOverbook bool) (*Appointment, *Slot, error) {
	return s.bindAppointment(ctx, appointmentID, slotID, allowOverbook, StatusBooked)
}

// bindAppointment binds a pending appointment and leaves it in status to.
func (s *PgStore) bindAppointment(ctx context.Context, appointmentID, slotID uuid.UUID, allowOverbook bool, to AppointmentStatus) (*Appointment, *Slot, error) {
	var appt *Appointment
	var slot *Slot
	steps := 0
	if to != StatusPending {
		steps = 1
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAppointment(tx.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE id = $1
			FOR UPDATE
		`, appointmentID))
		if err != nil {
			return err
		}
		if a.Status != StatusPending {
			return ErrInvalidStatusTransition
		}
		if a.SlotID != nil && *a.SlotID != slotID {
			return ErrSlotAlreadyBound
		}

		slot, err = bindSlotTx(ctx, tx, slotID, a.Ref(), allowOverbook)
		if err != nil {
			return err
		}

		appt, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET slot_id = $2,
			    status = $3,
			    step_count = step_count + $4,
			    updated_at = now()
			WHERE id = $1
			RETURNING `+appointmentColumns,
			appointmentID, slotID, to, steps))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return appt, slot, nil
}

func (s *PgStore) UnbindAppointment(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	var appt *Appointment

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAppointment(tx.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE id = $1
			FOR UPDATE
		`, appointmentID))
		if err != nil {
			return err
		}
		if a.SlotID == nil {
			appt = a
			return nil
		}

		if _, err := releaseSlotTx(ctx, tx, *a.SlotID, a.ID); err != nil && !errors.Is(err, ErrSlotNotFound) {
			return err
		}

		appt, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET slot_id = NULL,
			    updated_at = now()
			WHERE id = $1
			RETURNING `+appointmentColumns,
			appointmentID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func (s *PgStore) TransitionAppointment(ctx context.Context, appointmentID uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	var appt *Appointment

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		updated, err := scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    step_count = step_count + 1,
			    cancellation_reason = COALESCE($4, cancellation_reason),
			    updated_at = now()
			WHERE id = $1
			  AND status = $3
			RETURNING `+appointmentColumns,
			appointmentID, to, from, reason))
		if errors.Is(err, ErrAppointmentNotFound) {
			var exists bool
			if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, appointmentID).Scan(&exists); qerr != nil {
				return qerr
			}
			if exists {
				return ErrInvalidStatusTransition
			}
			return ErrAppointmentNotFound
		}
		if err != nil {
			return err
		}

		if to == StatusCancelled && updated.SlotID != nil {
			if _, err := releaseSlotTx(ctx, tx, *updated.SlotID, updated.ID); err != nil && !errors.Is(err, ErrSlotNotFound) {
				return err
			}
		}
		appt = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}
