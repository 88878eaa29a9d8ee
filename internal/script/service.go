package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/nfrund/scriptstate/internal/config"
	"github.com/nfrund/scriptstate/internal/pubsub"
)

// Service wires the cache, inventory and interpreter contexts together and
// owns the reload lifecycle.
type Service struct {
	cfg        config.Provider
	cache      *Cache
	compiler   *Compiler
	inventory  *Inventory
	states     *StateRegistry
	reporter   *ErrorReporter
	watcher    *Watcher
	subscriber pubsub.Subscriber

	reloadMu sync.Mutex
}

// Dependencies holds all the services that the Service requires to operate
type Dependencies struct {
	Config     config.Provider
	Fs         afero.Fs
	Factory    EngineFactory
	Publisher  pubsub.Publisher
	Subscriber pubsub.Subscriber
}

// NewService builds the script subsystem. Factory defaults to NewFactory and
// Fs to the OS filesystem.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Config == nil {
		return nil, errors.New("script service requires a config provider")
	}
	if deps.Factory == nil {
		deps.Factory = NewFactory()
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}

	language := ScriptLanguage(deps.Config.GetEngine())
	limits := GetDefaultSecurityLimits()
	if d := deps.Config.GetMaxExecutionTime(); d > 0 {
		limits.MaxExecutionTime = d
	}

	engine, err := deps.Factory.CreateEngine(language)
	if err != nil {
		return nil, fmt.Errorf("failed to create script engine: %w", err)
	}
	if err := engine.SetSecurityLimits(limits); err != nil {
		return nil, fmt.Errorf("failed to apply security limits: %w", err)
	}

	reporter := NewErrorReporter()
	cache := NewCache(NewFileClock(deps.Fs))
	compiler := NewCompiler(deps.Fs, engine, reporter)
	inventory := NewInventory(deps.Fs, deps.Config, cache, compiler, reporter)

	s := &Service{
		cfg:        deps.Config,
		cache:      cache,
		compiler:   compiler,
		inventory:  inventory,
		reporter:   reporter,
		subscriber: deps.Subscriber,
		states: NewStateRegistry(RegistryDependencies{
			Factory:   deps.Factory,
			Language:  language,
			Limits:    limits,
			Config:    deps.Config,
			Inventory: inventory,
			Cache:     cache,
			Compiler:  compiler,
			Reporter:  reporter,
		}),
	}
	if deps.Publisher != nil {
		s.watcher = NewWatcher(deps.Publisher, deps.Config.GetAutoReloadInterval())
	}
	return s, nil
}

// Initialize loads the inventory, runs every script in the global context
// and starts auto-reload when configured.
func (s *Service) Initialize(ctx context.Context) (RunReport, error) {
	if !s.cfg.IsEnabled() {
		LogSystem(slog.LevelInfo, "Script subsystem disabled")
		return RunReport{}, nil
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if !s.inventory.Reload() {
		return RunReport{}, fmt.Errorf("failed to load script inventory (state %s)", s.cache.State())
	}
	report := s.states.RunAllScripts(ctx)

	if s.cfg.IsAutoReloadEnabled() {
		if err := s.startAutoReload(ctx); err != nil {
			LogSystem(slog.LevelError, "Failed to start script auto-reload", slog.Any("error", err))
		}
	}

	return report, nil
}

func (s *Service) startAutoReload(ctx context.Context) error {
	if s.watcher == nil || s.subscriber == nil {
		return errors.New("auto-reload requires a publisher and a subscriber")
	}

	err := pubsub.Subscribe(ctx, s.subscriber, ReloadEvent, func(ctx context.Context, req ReloadRequest) error {
		LogSystem(slog.LevelInfo, "Reloading scripts after file changes", slog.Int("paths", len(req.Paths)))
		if _, err := s.Reload(ctx); err != nil {
			LogSystem(slog.LevelError, "Script reload failed", slog.Any("error", err))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ReloadEvent.Name(), err)
	}

	return s.watcher.Start(ctx, s.inventory.RootPath())
}

// Reload rescans the script root and reruns every script. Calls are
// serialized.
func (s *Service) Reload(ctx context.Context) (RunReport, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if err := s.cache.RequestReinit(); err != nil {
		return RunReport{}, err
	}
	if !s.inventory.Reload() {
		return RunReport{}, fmt.Errorf("failed to reload script inventory (state %s)", s.cache.State())
	}
	return s.states.RunAllScripts(ctx), nil
}

// Shutdown stops auto-reload and closes every interpreter context.
func (s *Service) Shutdown() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	return s.states.Shutdown()
}

func (s *Service) Cache() *Cache { return s.cache }
func (s *Service) Inventory() *Inventory { return s.inventory }
func (s *Service) States() *StateRegistry { return s.states }
func (s *Service) ErrorReporter() *ErrorReporter { return s.reporter }
