package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hoymiles-bridge/config"
	"hoymiles-bridge/internal/api"
	"hoymiles-bridge/internal/dtu"
	"hoymiles-bridge/internal/health"
	"hoymiles-bridge/internal/metrics"
	"hoymiles-bridge/internal/mqtt"
	"hoymiles-bridge/internal/poller"
	"hoymiles-bridge/internal/push"
	"hoymiles-bridge/internal/recovery"
	"hoymiles-bridge/internal/storage"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hoymiles-bridge",
		Short: "Hoymiles DTU telemetry bridge",
		Long:  "Polls Hoymiles DTUs over Modbus TCP and serves the data via HTTP, websocket push and MQTT",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(testCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}

func newReader(dtuCfg config.DtuConfig) *dtu.Hoymiles {
	client := dtu.NewClient(dtuCfg.Host, dtuCfg.Port, dtuCfg.UnitID, dtuCfg.Timeout)
	return dtu.NewHoymiles(client)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge service",
		Long:  "Start the polling coordinator, HTTP frontend, websocket push and MQTT mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := storage.NewDatabase(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			m := metrics.New()
			healthReg := health.NewRegistry(m)
			breakers := recovery.NewManager(cfg.Recovery.BreakerThreshold, cfg.Recovery.BreakerTimeout)

			jobs := make([]*poller.DtuJob, 0, len(cfg.DTUs))
			for _, dtuCfg := range cfg.DTUs {
				jobs = append(jobs, poller.NewDtuJob(
					dtuCfg.Name, newReader(dtuCfg), breakers, healthReg, db, m))
			}

			var hub *push.Hub
			if cfg.Push.Enabled {
				hub = push.NewHub(cfg.Push.Token)
				defer hub.Close()
			}

			var publisher poller.Publisher
			if cfg.MQTT.Enabled {
				mqttPub, err := mqtt.NewPublisher(cfg.MQTT)
				if err != nil {
					logrus.WithError(err).Warn("MQTT disabled, broker unreachable")
				} else {
					defer mqttPub.Close()
					publisher = mqttPub
				}
			}

			cache := push.NewCache(2 * cfg.Timing.QueryPeriod)
			coordinator := poller.NewCoordinator(cfg, jobs, db, healthReg, hub, publisher, m)
			server := api.NewServer(cfg, db, healthReg, m, cache, hub)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go coordinator.Run(ctx)
			go func() {
				if err := server.Start(); err != nil {
					logrus.WithError(err).Error("HTTP server failed")
				}
			}()

			logrus.WithField("dtus", len(cfg.DTUs)).Info("Hoymiles bridge started")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logrus.Info("Shutting down")
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logrus.WithError(err).Warn("HTTP shutdown incomplete")
			}

			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read data once from every DTU",
		Long:  "Connect to each configured DTU and print one full snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			snapshots := make(map[string]*dtu.PlantData, len(cfg.DTUs))
			for _, dtuCfg := range cfg.DTUs {
				reader := newReader(dtuCfg)
				data, err := reader.ReadPlantData()
				if err != nil {
					reader.Close()
					return fmt.Errorf("DTU %s (%s): %w", dtuCfg.Name, reader.Addr(), err)
				}
				reader.Close()
				snapshots[dtuCfg.Name] = data
			}

			output, _ := json.MarshalIndent(snapshots, "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connection to every DTU",
		Long:  "Verify each configured DTU answers a Modbus status read",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			failed := 0
			for _, dtuCfg := range cfg.DTUs {
				reader := newReader(dtuCfg)
				fmt.Printf("Testing %s (%s)... ", dtuCfg.Name, reader.Addr())

				if err := reader.TestConnection(); err != nil {
					fmt.Printf("FAILED: %v\n", err)
					failed++
					continue
				}
				fmt.Println("OK")

				data, err := reader.ReadPlantData()
				reader.Close()
				if err != nil {
					fmt.Printf("  Warning: could not read data: %v\n", err)
					continue
				}
				fmt.Printf("  Inverters: %d, Power: %.1f W\n", len(data.Inverters), data.TotalPower())
				for _, inv := range data.Inverters {
					fmt.Printf("    %s: %d ports\n", inv.SerialNumber, len(inv.Ports))
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d DTUs failed", failed, len(cfg.DTUs))
			}
			return nil
		},
	}
}
