package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"greenhouse-broker/internal/automation"
	"greenhouse-broker/internal/broker"
	"greenhouse-broker/internal/command"
	"greenhouse-broker/internal/history"
	"greenhouse-broker/internal/mqtt"
	"greenhouse-broker/internal/serialdev"
	"greenhouse-broker/internal/state"
	"greenhouse-broker/internal/store"
	"greenhouse-broker/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		DefaultDevice  string   `yaml:"default_device"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Device struct {
		Token string `yaml:"token"`
	} `yaml:"device"`
	Command struct {
		TimeoutSeconds   int `yaml:"timeout_seconds"`
		RetentionSeconds int `yaml:"retention_seconds"`
	} `yaml:"command"`
	History struct {
		Cap           int    `yaml:"cap"`
		FlushInterval string `yaml:"flush_interval"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"history"`
	Automation struct {
		Enabled bool              `yaml:"enabled"`
		Rules   []automation.Rule `yaml:"rules"`
	} `yaml:"automation"`
	MQTT struct {
		Enabled bool `yaml:"enabled"`
		mqtt.Config `yaml:",inline"`
	} `yaml:"mqtt"`
	Serial struct {
		Enabled bool `yaml:"enabled"`
		serialdev.Config `yaml:",inline"`
	} `yaml:"serial"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Web.Listen == "" {
		return fmt.Errorf("web.listen is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Serial.Enabled && c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required when serial is enabled")
	}
	if len(c.Automation.Rules) > 0 {
		if err := automation.ValidateRules(c.Automation.Rules); err != nil {
			return fmt.Errorf("automation.rules: %w", err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("greenhouse-broker starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Device state, seeded from the last persisted snapshot.
	states := state.NewStore(state.DefaultThresholds(), db, logger)
	persisted, err := db.ListDevices()
	if err != nil {
		logger.Error("load devices", "err", err)
		os.Exit(1)
	}
	states.Load(persisted)
	logger.Info("device state loaded", "devices", len(persisted))

	// Telemetry history, restored per device.
	hist := history.NewLog(cfg.History.Cap)
	series, err := db.LoadHistory()
	if err != nil {
		logger.Error("load history", "err", err)
		os.Exit(1)
	}
	for id, pts := range series {
		hist.Restore(id, pts)
	}

	bus := broker.NewEventBus(logger)
	registry := broker.NewRegistry(logger)
	core := broker.NewCore(states, hist, registry, bus, cfg.Device.Token, logger)

	dispatcher := command.New(states, registry, bus,
		time.Duration(cfg.Command.TimeoutSeconds)*time.Second,
		time.Duration(cfg.Command.RetentionSeconds)*time.Second,
		logger)
	dispatcher.Start()

	// Threshold automation.
	var engine *automation.Engine
	if cfg.Automation.Enabled {
		engine = automation.NewEngine(dispatcher, bus, cfg.Automation.Rules, logger)
		engine.Start()
	}

	// Lua scripts.
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("script manager", "err", err)
		os.Exit(1)
	}
	scriptEngine := automation.NewScriptEngine(states, dispatcher, bus, scriptMgr, logger)
	scriptEngine.Start()

	// Web server.
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithScripts(scriptEngine, scriptMgr),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.DefaultDevice != "" {
		webOpts = append(webOpts, web.WithDefaultDevice(cfg.Web.DefaultDevice))
	}
	webServer := web.NewServer(core, dispatcher, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge.
	var mqttBridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		mqttBridge, err = mqtt.NewBridge(core, dispatcher, cfg.MQTT.Config, logger)
		if err != nil {
			logger.Error("mqtt bridge", "err", err)
			os.Exit(1)
		}
		mqttBridge.Start()
	}

	// Serial-attached node.
	var serialBridge *serialdev.Bridge
	if cfg.Serial.Enabled {
		serialBridge = serialdev.New(core, dispatcher, cfg.Serial.Config, logger)
		serialBridge.Start()
	}

	// Background jobs: flush history to disk and sweep expired points.
	flushHistory := func() {
		for _, id := range hist.DeviceIDs() {
			if err := db.SaveHistory(id, hist.Dump(id)); err != nil {
				logger.Error("flush history", "device_id", id, "err", err)
			}
		}
	}
	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.History.FlushInterval, flushHistory); err != nil {
		logger.Error("schedule history flush", "err", err)
		os.Exit(1)
	}
	if _, err := jobs.AddFunc(cfg.History.SweepInterval, func() {
		hist.Sweep(24 * time.Hour)
	}); err != nil {
		logger.Error("schedule history sweep", "err", err)
		os.Exit(1)
	}
	jobs.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	<-jobs.Stop().Done()
	if serialBridge != nil {
		serialBridge.Stop()
	}
	if mqttBridge != nil {
		mqttBridge.Stop()
	}
	scriptEngine.Stop()
	if engine != nil {
		engine.Stop()
	}
	dispatcher.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	// One last flush so a restart picks up where we left off.
	flushHistory()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	cfg.Automation.Enabled = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "greenhouse.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "greenhouse"
	}
	if cfg.History.FlushInterval == "" {
		cfg.History.FlushInterval = "@every 1m"
	}
	if cfg.History.SweepInterval == "" {
		cfg.History.SweepInterval = "@every 10m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
