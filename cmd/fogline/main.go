package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fogline/fogline/internal/config"
	"github.com/fogline/fogline/internal/db"
	"github.com/fogline/fogline/internal/logging"
	"github.com/fogline/fogline/internal/metrics"
	"github.com/fogline/fogline/internal/pipeline"
	"github.com/fogline/fogline/internal/reader"
	"github.com/fogline/fogline/internal/store"
	"github.com/fogline/fogline/internal/watch"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fogline",
		Short: "Personal-health time-series ingestion pipeline",
		Long: `Fogline ingests environmental measurements (weather, air quality)
and user-entered behavioral/cognitive measurements, validates and
normalizes them, and upserts them into a relational store keyed
by (subject, timestamp).`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("fogline %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize the data directory and database",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail("load config: %v", err)
			}
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				fail("create data directory: %v", err)
			}
			database, err := db.Init(cfg.DBPath)
			if err != nil {
				fail("initialize database: %v", err)
			}
			database.Close()

			if jsonOutput {
				printJSON(map[string]any{
					"ok":       true,
					"data_dir": cfg.DataDir,
					"db_path":  cfg.DBPath,
				})
			} else {
				fmt.Printf("✓ Data directory: %s\n", cfg.DataDir)
				fmt.Printf("✓ Database: %s\n", cfg.DBPath)
				fmt.Println("\nFogline initialized successfully!")
			}
		},
	})

	// templates command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "templates",
		Short: "Write starter behavioral and cognitive CSV files",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail("load config: %v", err)
			}
			written, err := reader.WriteTemplates(cfg.DataDir)
			if err != nil {
				fail("write templates: %v", err)
			}

			if jsonOutput {
				printJSON(map[string]any{"written": written})
				return
			}
			if len(written) == 0 {
				fmt.Println("CSV files already present, nothing written.")
				return
			}
			for _, path := range written {
				fmt.Printf("✓ Created %s\n", path)
			}
			fmt.Println("\nFill in your data using the same timestamps in both files.")
		},
	})

	// run command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one ingestion pass over both flows",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, log := mustSetup()
			defer log.Sync()

			database, err := db.Init(cfg.DBPath)
			if err != nil {
				fail("open database: %v", err)
			}
			defer database.Close()

			p := pipeline.New(database,
				externalReader(cfg, database, log), userReader(cfg, log),
				log, metrics.New(prometheus.DefaultRegisterer))

			stats := p.Run(cmd.Context())
			printRunStats(stats)
			if !stats.Success {
				os.Exit(1)
			}
		},
	})

	// watch command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Watch the data directory and run the pipeline on CSV changes",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, log := mustSetup()
			defer log.Sync()

			database, err := db.Init(cfg.DBPath)
			if err != nil {
				fail("open database: %v", err)
			}
			defer database.Close()

			m := metrics.New(prometheus.DefaultRegisterer)
			p := pipeline.New(database,
				externalReader(cfg, database, log), userReader(cfg, log), log, m)

			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
						log.Warn("metrics server stopped", zap.Error(err))
					}
				}()
				log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = watch.Run(ctx, cfg.DataDir, cfg.WatchDebounce, log, func(ctx context.Context) {
				// New subjects may appear between runs in a long-lived
				// process; clear the identity cache so they resolve.
				p.Resolver().Clear()
				printRunStats(p.Run(ctx))
			})
			if err != nil && ctx.Err() == nil {
				fail("watch: %v", err)
			}
		},
	})

	// subjects command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "subjects",
		Short: "List tracked subjects",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fail("load config: %v", err)
			}
			database, err := db.Init(cfg.DBPath)
			if err != nil {
				fail("open database: %v", err)
			}
			defer database.Close()

			subjects, err := store.ListSubjects(database)
			if err != nil {
				fail("list subjects: %v", err)
			}

			if jsonOutput {
				printJSON(subjects)
				return
			}
			if len(subjects) == 0 {
				fmt.Println("No subjects yet.")
				return
			}
			for _, s := range subjects {
				loc := "-"
				if s.LocationName != nil {
					loc = *s.LocationName
				}
				coords := "no coordinates"
				if s.Latitude != nil && s.Longitude != nil {
					coords = fmt.Sprintf("%.4f, %.4f", *s.Latitude, *s.Longitude)
				}
				fmt.Printf("%4d  %-20s %-20s %s\n", s.ID, s.Name, loc, coords)
			}
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func mustSetup() (*config.Config, *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fail("load config: %v", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fail("setup logging: %v", err)
	}
	return cfg, log
}

func externalReader(cfg *config.Config, database *sql.DB, log *zap.Logger) pipeline.Reader {
	if cfg.ExternalSource == "api" {
		return &reader.WeatherReader{
			DB:              database,
			Client:          &http.Client{Timeout: cfg.RequestTimeout},
			WeatherURL:      cfg.WeatherURL,
			AirPollutionURL: cfg.AirPollutionURL,
			APIKey:          cfg.WeatherAPIKey,
			Log:             log,
		}
	}
	return &reader.ExternalCSVReader{Dir: cfg.DataDir, Log: log}
}

func userReader(cfg *config.Config, log *zap.Logger) pipeline.Reader {
	return &reader.UserCSVReader{Dir: cfg.DataDir, Log: log}
}

func printRunStats(stats *pipeline.RunStats) {
	if jsonOutput {
		printJSON(stats)
		return
	}

	fmt.Printf("Run %s finished in %s\n", stats.RunID, stats.Duration.Round(time.Millisecond))
	for _, fs := range stats.Flows {
		fmt.Printf("  %-13s read=%d validated=%d loaded=%d rejected=%d\n",
			fs.Name+":", fs.Read, fs.Validated, fs.Loaded, fs.Rejected+fs.DBRejected)
	}
	fmt.Printf("  totals:       read=%d validated=%d loaded=%d rejected=%d\n",
		stats.TotalRead, stats.TotalValidated, stats.TotalLoaded, stats.TotalRejected)
	for table, count := range stats.TableCounts {
		fmt.Printf("  %s: %d rows\n", table, count)
	}
	if stats.Success {
		fmt.Println("✓ Pipeline complete")
	} else {
		fmt.Printf("✗ Pipeline failed: %s\n", stats.Error)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
