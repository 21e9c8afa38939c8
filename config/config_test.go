package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w1xm/dish_interface/dish"
	"github.com/w1xm/dish_interface/scan"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 9600, cfg.Serial.Baud)
	assert.Equal(t, time.Second, cfg.Serial.CommandTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Controller.PollInterval)
	assert.Equal(t, 0.1, cfg.Controller.SettleTolerance)
	assert.Equal(t, scan.Plan{AzStart: 90, AzEnd: 270, ElStart: 5, ElEnd: 70, Step: 1}, cfg.Plan())

	d := cfg.Dish()
	def := dish.DefaultConfig()
	assert.Equal(t, def.Limits, d.Limits)
	assert.Equal(t, def.Home, d.Home)
	assert.Equal(t, def.Codec, d.Codec)
	assert.Equal(t, def.SettlePolls, d.SettlePolls)
	assert.Equal(t, def.PowerCeiling, d.PowerCeiling)
	assert.Equal(t, def.NudgeStep, d.NudgeStep)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dish.yaml")
	content := `
serial:
  port: tcp://127.0.0.1:4560
  char_delay: 2ms
limits:
  el_max: 85
controller:
  settle_tolerance: 0.25
  move_retries: 5
scan:
  output_dir: /var/lib/dish
  step: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:4560", cfg.Serial.Port)
	assert.Equal(t, 2*time.Millisecond, cfg.Link(nil).CharDelay)
	assert.Equal(t, 85.0, cfg.Dish().Limits.ElMax)
	assert.Equal(t, 0.25, cfg.Dish().SettleTolerance)
	assert.Equal(t, 5, cfg.Dish().MoveRetries)
	assert.Equal(t, "/var/lib/dish", cfg.Scan.OutputDir)
	assert.Equal(t, 0.5, cfg.Plan().Step)
	// Untouched keys keep their defaults.
	assert.Equal(t, 9600, cfg.Serial.Baud)
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Setenv("DISH_SERIAL_PORT", "/dev/ttyUSB3")
	t.Setenv("DISH_CONTROLLER_SETTLE_POLLS", "5")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Port)
	assert.Equal(t, 5, cfg.Controller.SettlePolls)
}

func TestLoadRejects(t *testing.T) {
	for _, test := range []struct {
		name    string
		content string
	}{
		{"inverted limits", "limits:\n  az_min: 200\n  az_max: 100\n"},
		{"zero tolerance", "controller:\n  settle_tolerance: 0\n"},
		{"home outside limits", "home:\n  elevation: 80\n"},
		{"flat calibration", "calibration:\n  count_at_zero: 100\n  count_at_ref: 100\n"},
	} {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "dish.yaml")
			require.NoError(t, os.WriteFile(path, []byte(test.content), 0o644))
			_, err := Load(New(), path)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
