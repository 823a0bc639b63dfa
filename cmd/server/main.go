package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jduanen/CritterDetector/api/handlers"
	"github.com/jduanen/CritterDetector/internal/config"
	"github.com/jduanen/CritterDetector/internal/db"
	"github.com/jduanen/CritterDetector/internal/driver"
	"github.com/jduanen/CritterDetector/internal/logging"
	"github.com/jduanen/CritterDetector/internal/metrics"
	"github.com/jduanen/CritterDetector/internal/protocol"
	"github.com/jduanen/CritterDetector/internal/recorder"
	"github.com/jduanen/CritterDetector/internal/repository"
	"github.com/jduanen/CritterDetector/internal/router"
	"github.com/jduanen/CritterDetector/internal/session"
	"github.com/jduanen/CritterDetector/internal/ws"
)

type flags struct {
	configPath     string
	commandAddr    string
	dataAddr       string
	allowedOrigins []string
	driver         string
	logLevel       string
	dbPath         string
	recordPath     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:           "lidar-server",
		Short:         "Serve a lidar scanner over WebSocket command and data channels",
		Version:       protocol.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			if err := run(cmd.Context(), cfg); err != nil {
				log.Error().Err(err).Msg("Server failed")
				return err
			}
			return nil
		},
	}

	bindFlags(cmd, &f)
	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.commandAddr, "command-addr", "", "command channel listen address")
	fs.StringVar(&f.dataAddr, "data-addr", "", "data channel listen address")
	fs.StringSliceVar(&f.allowedOrigins, "allowed-origin", nil, "origin allowed to open WebSocket connections (repeatable)")
	fs.StringVar(&f.driver, "driver", "", "scanner driver (ydlidar | sim)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	fs.StringVar(&f.dbPath, "db", "", "SQLite frame log path")
	fs.StringVar(&f.recordPath, "record", "", "JSON-lines capture path")
}

// loadConfig reads the configuration and applies the flags that were set.
func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	fs := cmd.Flags()
	if fs.Changed("command-addr") {
		cfg.Server.CommandAddr = f.commandAddr
	}
	if fs.Changed("data-addr") {
		cfg.Server.DataAddr = f.dataAddr
	}
	if fs.Changed("allowed-origin") {
		cfg.Server.AllowedOrigins = f.allowedOrigins
	}
	if fs.Changed("driver") {
		cfg.Device.Driver = driver.Kind(f.driver)
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("db") {
		cfg.Storage.DBPath = f.dbPath
	}
	if fs.Changed("record") {
		cfg.Recorder.Path = f.recordPath
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config) error {
	if err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	factory, err := driver.NewFactory(cfg.Device.Driver)
	if err != nil {
		return err
	}

	var observers []session.Observer
	var rec router.Recorder

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		observers = append(observers, m)
		rec = m
	}

	if cfg.Recorder.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Recorder.Path), 0755); err != nil {
			return fmt.Errorf("failed to create capture directory: %w", err)
		}
		capture, err := recorder.New(cfg.Recorder.Path)
		if err != nil {
			return err
		}
		defer capture.Close()
		if err := capture.WriteHeader(string(cfg.Device.Driver)); err != nil {
			return err
		}
		observers = append(observers, capture)
	}

	var frameStore handlers.FrameStore
	var eventStore handlers.EventStore
	if cfg.Storage.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		database, err := db.InitDB(cfg.Storage.DBPath)
		if err != nil {
			return err
		}
		defer db.CloseDB()

		frames := repository.NewFrameRepository(database)
		events := repository.NewEventRepository(database)
		sink := repository.NewSink(frames, events, repository.SinkConfig{Keep: cfg.Storage.KeepFrame})
		defer sink.Close()

		observers = append(observers, sink)
		frameStore, eventStore = frames, events
	}

	manager := session.NewManager(session.Config{
		Factory:        factory,
		Defaults:       cfg.DeviceDefaults(),
		MaxScanRetries: cfg.Session.MaxScanRetries,
		RetryInterval:  cfg.Session.RetryInterval,
		HistorySize:    cfg.Session.HistorySize,
		HaltGrace:      cfg.Session.HaltGrace,
		Observers:      observers,
	})
	defer manager.Close()

	transport := ws.NewTransport(manager, ws.Config{
		CommandAddr:     cfg.Server.CommandAddr,
		DataAddr:        cfg.Server.DataAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Recorder:        rec,
	})

	// The REST API shares the command listener.
	engine := transport.CommandEngine()
	engine.Use(corsMiddleware())
	api := engine.Group("/api")
	{
		handlers.NewStatusHandler(manager).RegisterRoutes(api)
		handlers.NewFrameHandler(manager, frameStore, eventStore).RegisterRoutes(api)
		handlers.NewRecordingHandler(cfg.Recorder.Path).RegisterRoutes(api)
	}
	if m != nil {
		m.TrackConnections(transport.ClientCounts)
		engine.GET("/metrics", gin.WrapH(m.Handler()))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("command", cfg.Server.CommandAddr).
		Str("data", cfg.Server.DataAddr).
		Str("driver", string(cfg.Device.Driver)).
		Str("version", protocol.Version).
		Msg("Starting lidar server")

	if err := transport.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

// corsMiddleware returns a CORS middleware for the REST API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
