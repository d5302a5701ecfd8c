package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ecopulse/config"
	"ecopulse/internal/api"
	"ecopulse/internal/collector"
	"ecopulse/internal/device"
	"ecopulse/internal/insights"
	"ecopulse/internal/logger"
	"ecopulse/internal/metrics"
	"ecopulse/internal/mqtt"
	"ecopulse/internal/storage"
	"ecopulse/internal/telemetry"

	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ecopulse",
		Short: "EcoPulse energy telemetry simulator",
		Long:  "Simulates appliance power telemetry, serves it over HTTP and MQTT and drives an optional relay device",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and builds the logger writing to out.
func loadConfig(out io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	log := logger.New(&logger.Config{Output: out, Level: logger.ParseLevel(level)})
	slog.SetDefault(log)
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the simulator service",
		Long:  "Start the simulator, API server, MQTT publisher and device link",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}

			db, err := storage.NewDatabase(cfg.Database.Path, log)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			log.Info("database_opened", "path", cfg.Database.Path)

			if user, err := db.LoadUser(); err != nil {
				log.Warn("session_load_failed", "error", err.Error())
			} else if user != nil {
				log.Info("session_restored", "email", user.Email)
			}

			m := metrics.New()

			var publisher collector.Publisher
			mqttPub, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				Enabled:     cfg.MQTT.Enabled,
				Logger:      log,
			})
			if err != nil {
				log.Warn("mqtt_unavailable", "broker", cfg.MQTT.Broker, "error", err.Error())
			} else {
				publisher = mqttPub
				if cfg.MQTT.Enabled {
					if err := mqttPub.PublishHomeAssistantDiscovery(); err != nil {
						log.Warn("mqtt_discovery_failed", "error", err.Error())
					}
				}
			}

			link := device.NewLink(device.LinkConfig{
				CommandTimeout: cfg.Device.CommandTimeout,
				ProbeTimeout:   cfg.Device.ProbeTimeout,
				Logger:         log,
				Observer: func(kind string, outcome device.Outcome) {
					m.DeviceRequests.WithLabelValues(kind, string(outcome)).Inc()
				},
			})
			link.SetAddress(cfg.Device.Address)

			analyst := insights.NewAnalyst(
				insights.NewGeminiClient(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Endpoint, cfg.AI.Timeout),
				log,
				func(prompt, status string) {
					m.InsightRequests.WithLabelValues(prompt, status).Inc()
				},
			)

			var seed []telemetry.Node
			if cfg.Simulator.SeedDefaultNode {
				seed = collector.DefaultNodes()
			}
			coll := collector.NewCollector(collector.CollectorConfig{
				Publisher:    publisher,
				Observer:     m,
				Relay:        link,
				Interval:     cfg.Simulator.Interval,
				VoltageLimit: cfg.Simulator.VoltageLimit,
				Nodes:        seed,
				OnTick:       m.TicksTotal.Inc,
				Logger:       log,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			collectorDone := make(chan struct{})
			go func() {
				defer close(collectorDone)
				if err := coll.Start(ctx); err != nil {
					log.Error("collector_failed", "error", err.Error())
				}
			}()

			var server *api.Server
			if cfg.API.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:      cfg.API.Port,
					Collector: coll,
					Database:  db,
					Link:      link,
					Analyst:   analyst,
					Metrics:   m,
					Config:    cfg,
					Logger:    log,
				})

				go func() {
					if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("api_server_failed", "error", err.Error())
					}
				}()
			}

			log.Info("ecopulse_started", "api", cfg.API.Enabled, "mqtt", cfg.MQTT.Enabled, "device", cfg.Device.Address)

			<-sigChan
			log.Info("shutting_down")
			cancel()
			<-collectorDone

			if server != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				if err := server.Stop(shutdownCtx); err != nil {
					log.Warn("api_server_stop_failed", "error", err.Error())
				}
			}
			coll.Stop()

			return nil
		},
	}
}

type simulationReport struct {
	Ticks     uint64                      `json:"ticks"`
	Nodes     []telemetry.Node            `json:"nodes"`
	Aggregate telemetry.AggregateMetrics  `json:"aggregate"`
	Billing   telemetry.BillingProjection `json:"billing"`
}

func simulateCmd() *cobra.Command {
	var (
		ticks     int
		demoNodes int
		seed      uint64
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the simulator offline",
		Long:  "Apply a number of ticks to the default node set and print the aggregate and billing projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			if ticks < 1 {
				return fmt.Errorf("ticks must be positive, got %d", ticks)
			}

			// Readings are stamped as if the ticks had run at the configured interval.
			now := time.Now()
			coll := collector.NewCollector(collector.CollectorConfig{
				VoltageLimit: cfg.Simulator.VoltageLimit,
				Nodes:        collector.DefaultNodes(),
				Now: func() time.Time {
					now = now.Add(cfg.Simulator.Interval)
					return now
				},
				Logger: log,
			})

			if demoNodes > 0 {
				if _, err := coll.SeedDemo(demoNodes, seed); err != nil {
					return err
				}
			}

			var snap collector.Snapshot
			for i := 0; i < ticks; i++ {
				snap = coll.Tick()
			}

			agg := telemetry.Aggregate(snap.Nodes)
			report := simulationReport{
				Ticks:     snap.Ticks,
				Nodes:     snap.Nodes,
				Aggregate: agg,
				Billing:   telemetry.ProjectBilling(agg.TotalPower, agg.TotalLoss, cfg.Billing.RatePerKWh),
			}

			output, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(output))
			return nil
		},
	}

	cmd.Flags().IntVar(&ticks, "ticks", 25, "number of ticks to apply")
	cmd.Flags().IntVar(&demoNodes, "demo-nodes", 0, "extra random appliances to add, switched on")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "seed for the demo appliance names")
	return cmd
}

func probeCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Test connection to the relay device",
		Long:  "Send one probe request to the configured (or given) device address",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			if address == "" {
				address = cfg.Device.Address
			}

			fmt.Printf("Probing device at %q...\n", address)

			link := device.NewLink(device.LinkConfig{
				Address:      address,
				ProbeTimeout: cfg.Device.ProbeTimeout,
				Logger:       log,
			})
			res := link.Probe(cmd.Context())
			state := link.State()

			if !res.OK() {
				fmt.Printf("Probe FAILED: %s (%v)\n", res.Outcome, res.Err)
				return fmt.Errorf("device %s", state.Status)
			}

			fmt.Println("Probe SUCCESS!")
			fmt.Printf("  Status:   %s\n", state.Status)
			fmt.Printf("  HTTP:     %d\n", res.StatusCode)
			fmt.Printf("  Duration: %s\n", res.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "device address (host[:port]); defaults to device.address")
	return cmd
}
