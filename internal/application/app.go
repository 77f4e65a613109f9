// Package application wires the engine's components into a runnable
// service container shared by the CLI commands and the HTTP layer.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fractal-platform/macrobrain/internal/alerts"
	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/calib"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/data"
	"github.com/fractal-platform/macrobrain/internal/guard"
	"github.com/fractal-platform/macrobrain/internal/metrics"
	"github.com/fractal-platform/macrobrain/internal/persistence"
	memrepo "github.com/fractal-platform/macrobrain/internal/persistence/memory"
	pgrepo "github.com/fractal-platform/macrobrain/internal/persistence/postgres"
	"github.com/fractal-platform/macrobrain/internal/regime"
	"github.com/fractal-platform/macrobrain/internal/shadow"
	"github.com/fractal-platform/macrobrain/internal/sim"
)

// Repos groups the repository interfaces the container hands out.
type Repos struct {
	Memory   persistence.RegimeMemoryRepo
	History  persistence.RegimeHistoryRepo
	Shadow   persistence.ShadowAuditRepo
	Versions persistence.WeightVersionRepo
	Gov      persistence.GovernanceRepo
}

// App is the assembled service container.
type App struct {
	Cfg *config.Config

	Repos   Repos
	Cache   data.ScoreCache
	Metrics *metrics.Registry
	Alerts  *alerts.Dispatcher

	LagTable   *asof.LagTable
	Source     data.SeriesSource
	World      *data.BreakerSource
	Guard      *guard.Classifier
	Classifier *data.WorldClassifier
	Regime     *regime.Engine
	Calib      *calib.Engine
	Auditor    *shadow.Auditor
	Harness    *sim.Harness

	close []func() error
}

// regimeLabelAdapter exposes the regime engine's historical macro label in
// the form calibration and simulation consume.
type regimeLabelAdapter struct {
	engine *regime.Engine
}

func (a regimeLabelAdapter) LabelAt(ctx context.Context, date time.Time) (string, error) {
	st, err := a.engine.StateAt(ctx, regime.ScopeMacro, date)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", nil
	}
	return st.Current, nil
}

// guardOverrideAdapter reports override intensity from the guard assessment
// on a date: 1 - sizeMultiplier, so BLOCK is full intensity.
type guardOverrideAdapter struct {
	world data.WorldStateSource
	guard *guard.Classifier
}

func (a guardOverrideAdapter) IntensityAt(ctx context.Context, date time.Time) (float64, error) {
	ws, err := a.world.BuildWorldState(ctx, date)
	if err != nil {
		return 0, err
	}
	assessment := a.guard.Classify(guard.Inputs{
		CreditComposite:  ws.CreditComposite,
		VIX:              ws.VIX,
		MacroScore:       ws.MacroScore,
		LiquidityRegime:  ws.LiquidityRegime,
		LiquidityImpulse: ws.LiquidityImpulse,
	})
	return 1 - assessment.Multipliers.SizeMultiplier, nil
}

// New assembles the container. source supplies raw series; pass the
// provider adapter in production and a fixture source in tools and tests.
func New(cfg *config.Config, source data.SeriesSource) (*App, error) {
	app := &App{
		Cfg:      cfg,
		Metrics:  metrics.New(),
		LagTable: asof.NewLagTable(cfg.Series.Lags),
		Source:   source,
	}

	if err := app.wireRepos(); err != nil {
		return nil, err
	}
	app.wireCache()
	if err := app.wireAlerts(); err != nil {
		return nil, err
	}

	app.Guard = guard.NewClassifier(cfg.Guard)

	world := data.NewSeriesWorldSource(source, cfg.Series, cfg.Calibration.ZScoreWindowDays)
	app.World = data.NewBreakerSource(world, 5, 30*time.Second)

	app.Classifier = data.NewWorldClassifier(app.World, app.Guard)
	app.Regime = regime.NewEngine(cfg.Regime, app.Repos.Memory, app.Repos.History)

	labels := regimeLabelAdapter{engine: app.Regime}
	app.Calib = calib.NewEngine(cfg.Calibration, cfg.Series, source, labels, app.Repos.Versions)

	baseline := shadow.NewBaselineEngine(cfg.Series, cfg.Calibration.HorizonsDays)
	calibrated := shadow.NewCalibratedEngine(app.Calib, cfg.Series, cfg.Calibration.HorizonsDays)
	app.Auditor = shadow.NewAuditor(cfg.Shadow, baseline, calibrated, app.Repos.Shadow, app.Repos.Gov, app.Alerts)

	app.Harness = sim.NewHarness(cfg.Sim, cfg.Calibration, cfg.Series, source,
		baseline, calibrated, labels,
		guardOverrideAdapter{world: app.World, guard: app.Guard})

	return app, nil
}

// wireRepos selects Postgres when a DSN is configured, the in-memory set
// otherwise. The in-memory set keeps local development and the simulation
// CLI free of infrastructure.
func (a *App) wireRepos() error {
	if a.Cfg.Postgres.DSN == "" {
		log.Info().Msg("no postgres DSN configured, using in-memory repositories")
		mem := memrepo.NewRepos()
		a.Repos = Repos{
			Memory:   mem.Memory,
			History:  mem.History,
			Shadow:   mem.Shadow,
			Versions: mem.Versions,
			Gov:      mem.Gov,
		}
		return nil
	}

	db, err := pgrepo.Connect(a.Cfg.Postgres)
	if err != nil {
		return fmt.Errorf("wire postgres: %w", err)
	}
	pg := pgrepo.NewRepos(db, a.Cfg.Postgres.QueryTimeout)
	a.Repos = Repos{
		Memory:   pg.Memory,
		History:  pg.History,
		Shadow:   pg.Shadow,
		Versions: pg.Versions,
		Gov:      pg.Gov,
	}
	a.close = append(a.close, db.Close)
	return nil
}

func (a *App) wireCache() {
	if a.Cfg.Redis.Addr == "" {
		a.Cache = data.NewMemoryCache()
		return
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Cfg.Redis.Addr,
		Password: a.Cfg.Redis.Password,
		DB:       a.Cfg.Redis.DB,
	})
	a.Cache = data.NewRedisCache(client, "macrobrain")
	a.close = append(a.close, client.Close)
}

func (a *App) wireAlerts() error {
	channels := []alerts.Channel{alerts.NewLogChannel()}
	tg, err := alerts.NewTelegramChannel(a.Cfg.Alerts.Telegram)
	if err != nil {
		return fmt.Errorf("wire telegram: %w", err)
	}
	if tg != nil {
		channels = append(channels, tg)
	}
	a.Alerts = alerts.NewDispatcher(a.Cfg.Alerts.Telegram.Timeout, channels...)
	return nil
}

// Close releases held connections.
func (a *App) Close() error {
	a.Alerts.Flush()
	var first error
	for _, fn := range a.close {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
