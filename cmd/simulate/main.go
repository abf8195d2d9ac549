package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicbase/booking-core/internal/booking"
)

// simulate drives the booking core under contention and checks its
// load-bearing property: concurrent reserves on one slot yield exactly one
// winner. It runs fully in-process against the in-memory store, so it
// needs no database to demonstrate (or disprove) the guarantee.

type SimConfig struct {
	Workers  int
	Rounds   int
	Patients int
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
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
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))

	idx := func(pct int) int {
		i := len(latencies) * pct / 100
		if i >= len(latencies) {
			i = len(latencies) - 1
		}
		return i
	}
	return avg, latencies[idx(50)], latencies[idx(95)]
}

func main() {
	workers := flag.Int("workers", 50, "concurrent reservers per round")
	rounds := flag.Int("rounds", 100, "number of contested slots")
	patients := flag.Int("patients", 500, "size of the simulated patient pool")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	cfg := SimConfig{Workers: *workers, Rounds: *rounds, Patients: *patients}

	logger.Info().Int("workers", cfg.Workers).Int("rounds", cfg.Rounds).Msg("simulator starting")

	store := booking.NewMemoryStore()
	locks := booking.NewLockManager(store, 5*time.Minute, logger)
	svc := booking.NewService(store, locks, booking.NopNotifier{}, logger, booking.ServiceConfig{})

	patientIDs := make([]uuid.UUID, cfg.Patients)
	for i := range patientIDs {
		patientIDs[i] = uuid.New()
	}

	metrics := &OperationMetrics{}
	violations := 0

	for round := 0; round < cfg.Rounds; round++ {
		slotID, err := seedSlot(store)
		if err != nil {
			logger.Fatal().Err(err).Msg("seed slot")
		}

		winners := runRound(svc, slotID, patientIDs, cfg.Workers, metrics)
		if winners != 1 {
			violations++
			logger.Error().Int("round", round).Int("winners", winners).
				Msg("mutual exclusion violated")
		}
	}

	avg, p50, p95 := metrics.Stats()
	logger.Info().
		Int64("total", metrics.Total).
		Int64("success", metrics.Success).
		Int64("conflict", metrics.Conflict).
		Int64("error", metrics.Error).
		Str("avg", avg.String()).
		Str("p50", p50.String()).
		Str("p95", p95.String()).
		Msg("reserve metrics")

	if violations > 0 {
		logger.Fatal().Int("violations", violations).Msg("FAIL: some rounds had != 1 winner")
	}
	logger.Info().Msg("PASS: every round had exactly one winner")
}

func seedSlot(store *booking.MemoryStore) (uuid.UUID, error) {
	start := time.Now().Add(48 * time.Hour)
	slots := []booking.TimeSlot{{
		ID:       uuid.New(),
		DoctorID: uuid.New(),
		StartAt:  start,
		EndAt:    start.Add(30 * time.Minute),
		Status:   booking.SlotAvailable,
	}}
	created, err := store.InsertSlots(context.Background(), slots)
	if err != nil {
		return uuid.Nil, err
	}
	if created != 1 {
		return uuid.Nil, fmt.Errorf("expected 1 slot created, got %d", created)
	}
	return slots[0].ID, nil
}

func runRound(svc *booking.Service, slotID uuid.UUID, patients []uuid.UUID, workers int, metrics *OperationMetrics) int {
	var wg sync.WaitGroup
	var winners int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			patientID := patients[rng.Intn(len(patients))]

			start := time.Now()
			_, err := svc.Reserve(context.Background(), slotID, patientID)
			latency := time.Since(start)

			switch {
			case err == nil:
				atomic.AddInt64(&winners, 1)
				metrics.Record(latency, true, false)
			case booking.IsConflict(err), errors.Is(err, booking.ErrLockExists):
				metrics.Record(latency, false, true)
			default:
				metrics.Record(latency, false, false)
			}
		}(i)
	}

	wg.Wait()
	return int(winners)
}
