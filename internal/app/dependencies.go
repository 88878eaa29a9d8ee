package app

import (
	"github.com/samber/do/v2"
	"github.com/spf13/afero"

	"github.com/nfrund/scriptstate/internal/config"
	"github.com/nfrund/scriptstate/internal/pubsub"
	"github.com/nfrund/scriptstate/internal/script"
)

// New builds the application container. Services are constructed lazily on
// first invoke and shut down in reverse dependency order.
func New(cfg *config.Config) *do.RootScope {
	injector := do.New()

	do.ProvideValue[config.Provider](injector, cfg)
	do.ProvideValue[afero.Fs](injector, afero.NewOsFs())
	do.Provide(injector, newBus)
	do.Provide(injector, newScriptService)

	return injector
}

func newBus(i do.Injector) (*pubsub.WatermillBridge, error) {
	return pubsub.NewWatermillBridge(), nil
}

func newScriptService(i do.Injector) (*script.Service, error) {
	cfg, err := do.Invoke[config.Provider](i)
	if err != nil {
		return nil, err
	}
	fs, err := do.Invoke[afero.Fs](i)
	if err != nil {
		return nil, err
	}
	bus, err := do.Invoke[*pubsub.WatermillBridge](i)
	if err != nil {
		return nil, err
	}

	return script.NewService(script.Dependencies{
		Config:     cfg,
		Fs:         fs,
		Publisher:  bus,
		Subscriber: bus,
	})
}

// ScriptService resolves the script service from the container.
func ScriptService(i do.Injector) (*script.Service, error) {
	return do.Invoke[*script.Service](i)
}
