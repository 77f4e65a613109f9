package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fractal-platform/macrobrain/internal/application"
	"github.com/fractal-platform/macrobrain/internal/asof"
	"github.com/fractal-platform/macrobrain/internal/config"
	"github.com/fractal-platform/macrobrain/internal/data"
	httpapi "github.com/fractal-platform/macrobrain/internal/interfaces/http"
	joblog "github.com/fractal-platform/macrobrain/internal/log"
	"github.com/fractal-platform/macrobrain/internal/persistence"
)

const (
	appName = "macrobrain"
	version = "v2.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Regime state and governance engine",
		Version: version,
		Long: `macrobrain maintains hysteresis-filtered macro regime state, a crisis
guard, walk-forward calibrated signal weights and a shadow-audited engine
pair with automatic downgrade governance.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config overlay (defaults apply when empty)")
	rootCmd.PersistentFlags().String("data-dir", "data", "Directory of per-series JSON files")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace|debug|info|warn|error)")

	rootCmd.AddCommand(serveCmd(), calibrateCmd(), simulateCmd(), recomputeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildApp(cmd *cobra.Command) (*application.App, error) {
	level, _ := cmd.Flags().GetString("log-level")
	joblog.Setup(true, level)

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	return application.New(cfg, data.NewFileSource(dataDir))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			srv := httpapi.NewServer(app)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}

func calibrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run one walk-forward calibration and persist the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			asset, _ := cmd.Flags().GetString("asset")
			asOf, err := dateFlag(cmd, "as-of", asof.Day(time.Now().UTC()))
			if err != nil {
				return err
			}

			set, err := app.Calib.Run(signalContext(), asset, asOf)
			if err != nil {
				return err
			}
			log.Info().
				Str("versionId", set.VersionID).
				Str("status", set.Status).
				Int("buckets", len(set.Buckets)).
				Msg("calibration finished")
			return printJSON(set)
		},
	}
	cmd.Flags().String("asset", "BTC", "Asset to calibrate")
	cmd.Flags().String("as-of", "", "Calibration as-of date (YYYY-MM-DD, default today)")
	return cmd
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay baseline vs calibrated engines and evaluate the gates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			asset, _ := cmd.Flags().GetString("asset")
			from, err := dateFlag(cmd, "from", time.Time{})
			if err != nil {
				return err
			}
			to, err := dateFlag(cmd, "to", time.Time{})
			if err != nil {
				return err
			}
			if from.IsZero() || to.IsZero() {
				return fmt.Errorf("--from and --to are required")
			}

			res, err := app.Harness.Run(signalContext(), asset, persistence.TimeRange{From: from, To: to})
			if err != nil {
				return err
			}
			log.Info().Bool("ready", res.Ready).Strs("reasons", res.Reasons).Msg("simulation finished")
			return printJSON(res)
		},
	}
	cmd.Flags().String("asset", "BTC", "Asset to simulate")
	cmd.Flags().String("from", "", "Window start (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "Window end (YYYY-MM-DD)")
	return cmd
}

func recomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Clear and replay regime history over a window",
		Long: `Destructively clears regime history in the window, then replays the
classifier day by day. Interrupting is safe: rerun over the remaining
window to resume.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			start, err := dateFlag(cmd, "start", time.Time{})
			if err != nil {
				return err
			}
			end, err := dateFlag(cmd, "end", time.Time{})
			if err != nil {
				return err
			}
			if start.IsZero() || end.IsZero() {
				return fmt.Errorf("--start and --end are required")
			}
			stepDays, _ := cmd.Flags().GetInt("step-days")

			replayed, err := app.Regime.Recompute(signalContext(), app.Classifier, start, end, stepDays)
			if err != nil {
				return err
			}
			log.Info().Int("replayed", replayed).Msg("recompute finished")
			return nil
		},
	}
	cmd.Flags().String("start", "", "Window start (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "Window end (YYYY-MM-DD)")
	cmd.Flags().Int("step-days", 1, "Replay step in days")
	return cmd
}

// signalContext returns a context cancelled on SIGINT/SIGTERM so long
// replays stop at a date boundary.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

func dateFlag(cmd *cobra.Command, name string, fallback time.Time) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return asof.Day(d.UTC()), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
