package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"sipkit/api/httpapi"
	"sipkit/catalog"
	"sipkit/core"
	"sipkit/kit"
	"sipkit/leaderboard"
	"sipkit/realtime"
)

var cli struct {
	Addr     string        `help:"Listen address." default:":8080"`
	Users    []string      `help:"Simulated drinkers." default:"alice,bob,carol,dave"`
	Every    time.Duration `help:"Interval between simulated drinks." default:"3s"`
	Duration time.Duration `help:"Length of each simulated session." default:"2m"`
}

func main() {
	kong.Parse(&cli, kong.Name("demo-server"), kong.Description("In-memory sipkit server with simulated drinkers."))

	// Use readable text logging for development/demo
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := realtime.NewHub()
	tracker := leaderboard.NewTracker(nil)
	k, err := kit.New(ctx,
		kit.WithRealtime(hub),
		kit.WithCatalog(catalog.Default()),
		kit.WithLogger(logger),
		kit.WithSink(tracker, core.EventBadgeAwarded),
	)
	if err != nil {
		logger.Error("build kit", "error", err)
		os.Exit(1)
	}
	defer k.Close()

	srv := &http.Server{
		Addr: cli.Addr,
		Handler: httpapi.NewMux(k, httpapi.Options{
			PathPrefix:      "/api",
			AllowCORSOrigin: "*",
			Leaderboard:     tracker.Board(),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("demo server listening", "address", cli.Addr, "ws", "/api/ws")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	go simulate(ctx, k, logger)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// simulate opens a shared session, logs a random drink for a random user on
// every tick and ends the session for everyone when it closes.
func simulate(ctx context.Context, k *kit.Kit, logger *slog.Logger) {
	for i, u := range cli.Users {
		p := core.Profile{ID: core.UserID(u), WeightKg: 60 + float64(i*8), Gender: core.GenderMale, Age: 30}
		if i%2 == 1 {
			p.Gender = core.GenderFemale
		}
		if _, err := k.SaveProfile(ctx, p); err != nil {
			logger.Error("save profile", "user_id", u, "error", err)
			return
		}
	}
	sizes := []struct {
		ml  float64
		pct float64
	}{{330, 5}, {500, 4.5}, {150, 12}, {40, 40}}

	for ctx.Err() == nil {
		start := time.Now().UTC()
		session := core.Session{ID: core.SessionID(uuid.NewString()), StartTime: start, EndTime: start.Add(cli.Duration)}
		if err := k.Repo.SaveSession(ctx, session); err != nil {
			logger.Error("save session", "error", err)
			return
		}
		logger.Info("session opened", "session_id", session.ID, "until", session.EndTime.Format(time.TimeOnly))

		ticker := time.NewTicker(cli.Every)
		for time.Now().Before(session.EndTime) && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-ticker.C:
				u := cli.Users[rand.IntN(len(cli.Users))]
				size := sizes[rand.IntN(len(sizes))]
				_, res, err := k.LogDrink(ctx, core.DrinkEntry{
					UserID:            core.UserID(u),
					SessionID:         session.ID,
					VolumeMl:          size.ml,
					AlcoholPercentage: size.pct,
				})
				if err != nil {
					logger.Warn("log drink", "user_id", u, "error", err)
					continue
				}
				logger.Info("drink", "user_id", u, "drink", fmt.Sprintf("%gml@%g%%", size.ml, size.pct), "awarded", res.Awarded)
			}
		}
		ticker.Stop()
		for _, u := range cli.Users {
			res, err := k.EndSession(ctx, core.UserID(u), session.ID)
			if err != nil {
				logger.Warn("end session", "user_id", u, "error", err)
				continue
			}
			if res.Awarded > 0 {
				logger.Info("session awards", "user_id", u, "awarded", res.Awarded)
			}
		}
	}
}

