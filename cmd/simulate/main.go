package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/practitioner-availability/internal/config"
	"github.com/hackgods/practitioner-availability/internal/db"
	"github.com/hackgods/practitioner-availability/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string        `env:"SIM_API_BASE_URL" envDefault:"http://localhost:8080"`
	Duration      time.Duration `env:"SIM_DURATION" envDefault:"30s"`
	Workers       int           `env:"SIM_WORKERS" envDefault:"10"`
	BookingRatio  float64       `env:"SIM_BOOKING_RATIO" envDefault:"0.5"`
	CancelRatio   float64       `env:"SIM_CANCEL_RATIO" envDefault:"0.1"`
	ReadRatio     float64       `env:"SIM_READ_RATIO" envDefault:"0.4"`
	OverbookRatio float64       `env:"SIM_OVERBOOK_RATIO" envDefault:"0.05"` // share of bookings sent with allow_overbook
	SlotLimit     int           `env:"SIM_SLOT_LIMIT" envDefault:"500"`
	PostgresDSN   string
}

// target is a bookable slot and the practitioner who owns it.
type target struct {
	SlotID         uuid.UUID
	PractitionerID uuid.UUID
}

type DataPool struct {
	Targets      []target
	mu           sync.RWMutex
	appointments []uuid.UUID // booked appointments, candidates for cancellation
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

// TakeRandomAppointment removes and returns a booked appointment.
func (dp *DataPool) TakeRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.appointments))
	id := dp.appointments[idx]
	dp.appointments[idx] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), pct(50), pct(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Booking      OperationMetrics
	Overbook     OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
	Recommend    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		stderrLog := zerolog.New(os.Stderr)
		stderrLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(baseCfg.Env, baseCfg.LogLevel).With().Str("service", "simulate").Logger()

	cfg, err := loadConfig(baseCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid simulation config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("slots", len(dataPool.Targets)).Msg("loaded free slots")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) (SimConfig, error) {
	var cfg SimConfig
	if err := env.Parse(&cfg); err != nil {
		return SimConfig{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.PostgresDSN = base.PostgresDSN

	if cfg.Workers <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_DURATION must be > 0")
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT sl.id, s.practitioner_id
		FROM slots sl
		JOIN schedules s ON s.id = sl.schedule_id
		WHERE sl.status = 'free' AND sl.start_time > now()
		ORDER BY sl.start_time
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	targets, err := pgx.CollectRows(rows, pgx.RowToStructByPos[target])
	if err != nil {
		return nil, fmt.Errorf("scan slots: %w", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no free slots loaded, run the seed first")
	}
	return &DataPool{Targets: targets}, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case rng.Intn(2) == 0:
			s.doAvailability(ctx, rng)
		default:
			s.doRecommend(ctx, rng)
		}
	}
}

func (s *Simulator) post(ctx context.Context, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

// doBooking creates an appointment and books it onto a slot that many workers
// are likely to race for.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
	overbook := rng.Float64() < s.config.OverbookRatio

	resp, err := s.post(ctx, "/appointments", map[string]string{
		"patient_id":      uuid.New().String(),
		"practitioner_id": t.PractitionerID.String(),
	})
	if err != nil {
		return
	}
	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&appt)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || appt.ID == uuid.Nil {
		return
	}

	start := time.Now()
	resp, err = s.post(ctx, "/appointments/"+appt.ID.String()+"/book", map[string]any{
		"slot_id":        t.SlotID.String(),
		"allow_overbook": overbook,
	})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}
	if success {
		s.pool.AddAppointment(appt.ID)
	}

	m := &s.metrics.Booking
	if overbook {
		m = &s.metrics.Overbook
	}
	m.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.TakeRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	resp, err := s.post(ctx, "/appointments/"+id.String()+"/cancel", map[string]string{"reason": "simulated cancellation"})
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
		conflict = resp.StatusCode == http.StatusConflict
	}
	s.metrics.Cancel.Record(latency, success, conflict)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]
	from := time.Now().Format("2006-01-02")
	to := time.Now().AddDate(0, 0, 7).Format("2006-01-02")

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/practitioners/%s/availability?from=%s&to=%s", s.config.APIBaseURL, t.PractitionerID, from, to), nil)
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.Availability.Record(latency, success, false)
}

func (s *Simulator) doRecommend(ctx context.Context, rng *rand.Rand) {
	t := s.pool.Targets[rng.Intn(len(s.pool.Targets))]

	start := time.Now()
	resp, err := s.post(ctx, "/recommendations", map[string]string{
		"patient_id":      uuid.New().String(),
		"practitioner_id": t.PractitionerID.String(),
	})
	latency := time.Since(start)

	success := false
	if err == nil {
		resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.metrics.Recommend.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	line := strings.Repeat("=", 80)
	fmt.Println("\n" + line)
	fmt.Println("SIMULATION REPORT")
	fmt.Println(line)
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Slots under contention: %d\n\n", len(s.pool.Targets))

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Overbooking", &s.metrics.Overbook)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Recommendations", &s.metrics.Recommend)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}
