package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/practitioner-availability/internal/config"
	"github.com/hackgods/practitioner-availability/internal/db"
	"github.com/hackgods/practitioner-availability/internal/logging"
	"github.com/hackgods/practitioner-availability/internal/scheduling"
)

type seedOptions struct {
	practitioners int
	days          int
	bookedRatio   float64
}

func main() {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with practitioner schedules and sample bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.practitioners, "practitioners", 20, "number of practitioners")
	cmd.Flags().IntVar(&opts.days, "days", 14, "days of schedules per practitioner, starting today")
	cmd.Flags().Float64Var(&opts.bookedRatio, "booked", 0.3, "share of slots to book")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}
	log := logging.New(cfg.Env, cfg.LogLevel)
	log.Info().Int("practitioners", opts.practitioners).Int("days", opts.days).Msg("seed starting")

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	store := scheduling.NewPgStore(pool)
	faker := gofakeit.New(0)
	loc := cfg.Location()

	var schedules, slots, booked int
	for p := 0; p < opts.practitioners; p++ {
		practitionerID := uuid.New()
		for d := 0; d < opts.days; d++ {
			s := fakeSchedule(faker, practitionerID, time.Now().In(loc).AddDate(0, 0, d), loc)
			if s == nil {
				continue
			}
			if err := store.CreateSchedule(ctx, s); err != nil {
				return fmt.Errorf("create schedule: %w", err)
			}
			schedules++
			slots += len(s.Slots)

			n, err := bookSome(ctx, store, faker, s, opts.bookedRatio)
			if err != nil {
				return fmt.Errorf("book slots: %w", err)
			}
			booked += n
		}
		log.Info().Str("practitioner_id", practitionerID.String()).Int("done", p+1).Int("of", opts.practitioners).Msg("practitioner seeded")
	}

	log.Info().Int("schedules", schedules).Int("slots", slots).Int("booked", booked).Msg("seed complete")
	return nil
}

var slotLengths = []time.Duration{15 * time.Minute, 20 * time.Minute, 30 * time.Minute}

// fakeSchedule returns a working day with evenly sized slots, or nil for a
// day off.
func fakeSchedule(f *gofakeit.Faker, practitionerID uuid.UUID, date time.Time, loc *time.Location) *scheduling.Schedule {
	if date.Weekday() == time.Sunday || f.Number(1, 10) == 1 {
		return nil
	}

	startHour := f.Number(7, 10)
	hours := f.Number(4, 9)
	start := time.Date(date.Year(), date.Month(), date.Day(), startHour, 0, 0, 0, loc)
	end := start.Add(time.Duration(hours) * time.Hour)
	length := slotLengths[f.Number(0, len(slotLengths)-1)]

	s := &scheduling.Schedule{
		PractitionerID: practitionerID,
		PlanningStart:  start,
		PlanningEnd:    end,
	}
	if f.Bool() {
		comment := fmt.Sprintf("Room %d, %s", f.Number(1, 40), f.Company())
		s.Comment = &comment
	}
	for t := start; !t.Add(length).After(end); t = t.Add(length) {
		s.Slots = append(s.Slots, scheduling.Slot{Start: t, End: t.Add(length)})
	}
	return s
}

func bookSome(ctx context.Context, store scheduling.Store, f *gofakeit.Faker, s *scheduling.Schedule, ratio float64) (int, error) {
	booked := 0
	for _, sl := range s.Slots {
		if f.Float64Range(0, 1) >= ratio {
			continue
		}
		a := &scheduling.Appointment{
			PatientID:       uuid.New(),
			PractitionerID:  s.PractitionerID,
			ServiceCategory: "general-practice",
		}
		if err := store.CreateAppointment(ctx, a); err != nil {
			return booked, err
		}
		if _, _, err := store.BindAppointment(ctx, a.ID, sl.ID, false); err != nil {
			return booked, err
		}
		if _, err := store.TransitionAppointment(ctx, a.ID, scheduling.StatusPending, scheduling.StatusBooked, nil); err != nil {
			return booked, err
		}
		booked++
	}
	return booked, nil
}
