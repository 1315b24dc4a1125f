package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/apiclient"
	"github.com/cuemby/burrow/pkg/cache"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/queue"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/syncer"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// EngineConfig holds all tunables for the burrow agent. Values come
// from flags, a YAML config file, or the defaults, in that order.
type EngineConfig struct {
	APIURL     string `yaml:"api_url"`
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	SyncIntervalSeconds  int `yaml:"sync_interval_seconds"`
	IdleWindowMinutes    int `yaml:"idle_window_minutes"`
	WarningWindowMinutes int `yaml:"warning_window_minutes"`
	RefreshMarginHours   int `yaml:"refresh_margin_hours"`
	CacheMaxRecords      int `yaml:"cache_max_records"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

func defaultConfig() EngineConfig {
	return EngineConfig{
		APIURL:               "http://127.0.0.1:8080",
		DataDir:              defaultDataDir(),
		ListenAddr:           "127.0.0.1:9464",
		SyncIntervalSeconds:  30,
		IdleWindowMinutes:    30,
		WarningWindowMinutes: 5,
		RefreshMarginHours:   24,
		CacheMaxRecords:      1024,
		LogLevel:             "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./burrow-data"
	}
	return home + "/.burrow"
}

// loadConfig resolves the effective configuration: defaults, overlaid
// by the YAML file when present, overlaid by any flag the user set.
func loadConfig(cmd *cobra.Command) (EngineConfig, error) {
	cfg := defaultConfig()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	if cmd.Flags().Changed("api-url") {
		cfg.APIURL, _ = cmd.Flags().GetString("api-url")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("listen-addr") {
		cfg.ListenAddr, _ = cmd.Flags().GetString("listen-addr")
	}
	if cmd.Flags().Changed("sync-interval") {
		cfg.SyncIntervalSeconds, _ = cmd.Flags().GetInt("sync-interval")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	return cfg, nil
}

// Engine bundles the wired components of a running agent.
type Engine struct {
	Config  EngineConfig
	Store   storage.Store
	Broker  *events.Broker
	Cache   *cache.Cache
	Queue   *queue.Queue
	Session *session.Manager
	Client  *apiclient.Client
	Coord   *syncer.Coordinator
	Sync    *syncer.Synchronizer
}

// newEngine opens storage and wires every component together. The
// broker is started; the synchronizer is not.
func newEngine(cfg EngineConfig) (*Engine, error) {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	store := storage.Open(cfg.DataDir)

	broker := events.NewBroker()
	broker.Start()

	// Surface storage degradation to subscribers, whether it happened
	// at open or happens mid-run
	if store.Degraded() {
		broker.Publish(&events.Event{Type: events.EventStorageDegraded})
	} else if fallback, ok := store.(*storage.FallbackStore); ok {
		fallback.OnDegrade(func() {
			broker.Publish(&events.Event{Type: events.EventStorageDegraded})
		})
	}

	client := apiclient.NewClient(cfg.APIURL)

	refresh := func(ctx context.Context, token string) (string, time.Time, error) {
		result, err := client.Refresh(ctx, token)
		if err != nil {
			return "", time.Time{}, err
		}
		return result.AccessToken, result.ExpiresAt, nil
	}

	sess := session.NewManager(store, broker, session.Config{
		IdleWindow:           time.Duration(cfg.IdleWindowMinutes) * time.Minute,
		WarningWindow:        time.Duration(cfg.WarningWindowMinutes) * time.Minute,
		RefreshMargin:        time.Duration(cfg.RefreshMarginHours) * time.Hour,
		ClassifyRefreshError: apiclient.Classify,
	}, refresh)

	c := cache.New(store, cache.WithMaxRecords(cfg.CacheMaxRecords))
	q, err := queue.New(store)
	if err != nil {
		broker.Stop()
		store.Close()
		return nil, fmt.Errorf("failed to open mutation queue: %v", err)
	}

	coord := syncer.NewCoordinator(c, q, broker)
	s := syncer.NewSynchronizer(c, q, sess, client, coord, broker,
		syncer.WithInterval(time.Duration(cfg.SyncIntervalSeconds)*time.Second))

	return &Engine{
		Config:  cfg,
		Store:   store,
		Broker:  broker,
		Cache:   c,
		Queue:   q,
		Session: sess,
		Client:  client,
		Coord:   coord,
		Sync:    s,
	}, nil
}

// Close releases everything newEngine opened.
func (e *Engine) Close() {
	e.Broker.Stop()
	if err := e.Store.Close(); err != nil {
		log.Errorf("failed to close store", err)
	}
}

// engineFromCommand is the common bootstrap for subcommands.
func engineFromCommand(cmd *cobra.Command) (*Engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newEngine(cfg)
}
