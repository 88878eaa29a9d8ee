package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptstate/internal/config"
	"github.com/nfrund/scriptstate/internal/pubsub"
)

func TestNew_ResolvesScriptService(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.ext"), []byte(`state.ready = true`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(`state.ok = state.ready`), 0o644))

	cfg := config.Default()
	cfg.Enabled = true
	cfg.ScriptPath = dir

	injector := New(cfg)

	svc, err := ScriptService(injector)
	require.NoError(t, err)

	again, err := ScriptService(injector)
	require.NoError(t, err)
	assert.Same(t, svc, again, "services are singletons")

	report, err := svc.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Executed)
	assert.Equal(t, 0, report.Failed)

	_, err = do.Invoke[*pubsub.WatermillBridge](injector)
	require.NoError(t, err)

	shutdown := injector.Shutdown()
	require.NotNil(t, shutdown)
	assert.True(t, shutdown.Succeed, shutdown.Error())
}
