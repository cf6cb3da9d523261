package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
)

func TestDaemonArgs(t *testing.T) {
	assert.Equal(t, []string{"daemon"}, DaemonArgs(""))
	assert.Equal(t, []string{"daemon", "--config", "/etc/flowagent/config.toml"},
		DaemonArgs("/etc/flowagent/config.toml"))
}

func TestStartControllerWithPath_MissingBinary(t *testing.T) {
	err := StartControllerWithPath(filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)
}

func TestWaitForController(t *testing.T) {
	registry := infra.NewFileRegistryWithPath(
		filepath.Join(t.TempDir(), "controller.json"), infra.NewProcessManager(), clockwork.NewRealClock())

	t.Run("times out with no controller", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := WaitForController(ctx, registry, time.Minute, 10*time.Millisecond)
		assert.ErrorIs(t, err, domain.ErrControllerUnavailable)
	})

	t.Run("returns once registered", func(t *testing.T) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = registry.Register(domain.ControllerEntry{PID: infra.NewProcessManager().GetCurrentPID()})
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		entry, err := WaitForController(ctx, registry, time.Minute, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, entry)
	})
}
