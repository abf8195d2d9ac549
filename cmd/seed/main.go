package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicbase/booking-core/internal/booking"
	"github.com/clinicbase/booking-core/internal/config"
	"github.com/clinicbase/booking-core/internal/db"
)

// seed fills an empty database with demo availability: a handful of
// doctors, each with a few weekly rules, expanded over the configured
// horizon. Doctor and patient identities live in the external identity
// service, so here they are just fresh UUIDs.
func main() {
	doctors := flag.Int("doctors", 25, "number of doctors to seed rules for")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	store := booking.NewPgStore(pool)
	locks := booking.NewLockManager(store, cfg.LockTTL, logger)
	svc := booking.NewService(store, locks, booking.NopNotifier{}, logger, booking.ServiceConfig{
		CancelCutoff: cfg.CancelCutoff,
		Horizon:      cfg.ExpandHorizon,
	})

	if err := seedRules(context.Background(), svc, *doctors, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed rules")
	}

	logger.Info().Msg("seed complete")
}

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Los_Angeles",
	"Europe/London",
	"Europe/Berlin",
	"Asia/Kolkata",
}

func seedRules(ctx context.Context, svc *booking.Service, doctorCount int, logger zerolog.Logger) error {
	logger.Info().Int("doctors", doctorCount).Msg("seeding recurring rules")

	startDate := time.Now().AddDate(0, 0, 1)
	totalSlots := 0

	for i := 0; i < doctorCount; i++ {
		doctorID := uuid.New()
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]

		ruleCount := gofakeit.Number(1, 3)
		for j := 0; j < ruleCount; j++ {
			day := gofakeit.Number(0, 6)
			startHour := gofakeit.Number(8, 15)
			durationMin := 30 * gofakeit.Number(1, 3)

			rule, err := svc.CreateRecurringRule(ctx, booking.RecurringRule{
				DoctorID:    doctorID,
				DayOfWeek:   day,
				StartMinute: startHour * 60,
				EndMinute:   startHour*60 + durationMin,
				Timezone:    tz,
				StartDate:   startDate,
			})
			if err != nil {
				// A random pick may land on an existing window; just skip.
				if errors.Is(err, booking.ErrRuleOverlap) {
					continue
				}
				return err
			}

			created, err := svc.ExpandRule(ctx, rule.ID, time.Time{})
			if err != nil {
				return err
			}
			totalSlots += created

			logger.Debug().
				Str("doctor_id", doctorID.String()).
				Int("day_of_week", day).
				Str("window", booking.FormatMinute(rule.StartMinute)+"-"+booking.FormatMinute(rule.EndMinute)).
				Str("timezone", tz).
				Int("slots", created).
				Msg("rule seeded")
		}
	}

	logger.Info().Int("slots_created", totalSlots).Msg("rules seeded and expanded")
	return nil
}
