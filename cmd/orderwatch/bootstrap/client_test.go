package bootstrap_test

import (
	"testing"

	"github.com/kiwari-pos/orderfeed/cmd/orderwatch/bootstrap"
	"github.com/kiwari-pos/orderfeed/internal/binding"
	"github.com/kiwari-pos/orderfeed/internal/client"
	"github.com/kiwari-pos/orderfeed/internal/config"
	"github.com/kiwari-pos/orderfeed/internal/errs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func unusedShared() *binding.Shared {
	return binding.NewShared(func() (*client.Client, error) {
		return nil, errs.New("not built in this test")
	})
}

func TestNewBindingsNamesEachScope(t *testing.T) {
	cfg := config.Default()
	cfg.Watch.Scopes = []string{"admin", "branch:1", "customer:7"}

	bindings, err := bootstrap.NewBindings(fxtest.NewLifecycle(t), cfg, unusedShared(), zerolog.Nop())
	require.NoError(t, err)

	names := make([]string, 0, len(bindings))
	for _, b := range bindings {
		names = append(names, b.Name())
	}
	assert.Equal(t, []string{"admin", "branch:1", "customer:7"}, names)
}

func TestNewBindingsRejectsDuplicateScopes(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
	}{
		{"repeated", []string{"admin", "admin"}},
		{"case and spacing", []string{"branch:1", " BRANCH:1 "}},
		{"among others", []string{"all", "customer:3", "all"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Watch.Scopes = tt.scopes

			_, err := bootstrap.NewBindings(fxtest.NewLifecycle(t), cfg, unusedShared(), zerolog.Nop())
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindUsage))
			assert.ErrorIs(t, err, errs.ErrInvalidScope)
		})
	}
}
