// Package config loads the dish tools' configuration from an optional YAML
// file and DISH_* environment variables on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/w1xm/dish_interface/dish"
	"github.com/w1xm/dish_interface/link"
	"github.com/w1xm/dish_interface/protocol"
	"github.com/w1xm/dish_interface/scan"
)

const EnvPrefix = "DISH"

// ErrInvalid is returned for configuration that cannot drive the dish.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Serial      SerialConfig      `mapstructure:"serial"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Home        PositionConfig    `mapstructure:"home"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Controller  ControllerConfig  `mapstructure:"controller"`
	Scan        ScanConfig        `mapstructure:"scan"`
	Server      ServerConfig      `mapstructure:"server"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
	Influx      InfluxConfig      `mapstructure:"influx"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type SerialConfig struct {
	Port           string        `mapstructure:"port"`
	Baud           int           `mapstructure:"baud"`
	CharDelay      time.Duration `mapstructure:"char_delay"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

type LimitsConfig struct {
	AzMin float64 `mapstructure:"az_min"`
	AzMax float64 `mapstructure:"az_max"`
	ElMin float64 `mapstructure:"el_min"`
	ElMax float64 `mapstructure:"el_max"`
}

type PositionConfig struct {
	Azimuth   float64 `mapstructure:"azimuth"`
	Elevation float64 `mapstructure:"elevation"`
}

// CalibrationConfig maps elevation sensor counts to degrees.
type CalibrationConfig struct {
	CountAtZero  float64 `mapstructure:"count_at_zero"`
	CountAtRef   float64 `mapstructure:"count_at_ref"`
	RefElevation float64 `mapstructure:"ref_elevation"`
}

type ControllerConfig struct {
	SettleTolerance float64       `mapstructure:"settle_tolerance"`
	SettlePolls     int           `mapstructure:"settle_polls"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SettleTimeout   time.Duration `mapstructure:"settle_timeout"`
	MoveRetries     int           `mapstructure:"move_retries"`
	HomePolls       int           `mapstructure:"home_polls"`
	SensorRetries   int           `mapstructure:"sensor_retries"`
	PowerSeconds    int           `mapstructure:"power_seconds"`
	PowerCeiling    float64       `mapstructure:"power_ceiling"`
	NudgeStep       float64       `mapstructure:"nudge_step"`
}

type ScanConfig struct {
	OutputDir string  `mapstructure:"output_dir"`
	AzStart   float64 `mapstructure:"az_start"`
	AzEnd     float64 `mapstructure:"az_end"`
	ElStart   float64 `mapstructure:"el_start"`
	ElEnd     float64 `mapstructure:"el_end"`
	Step      float64 `mapstructure:"step"`
}

type ServerConfig struct {
	Addr         string  `mapstructure:"addr"`
	RotctldAddr  string  `mapstructure:"rotctld_addr"`
	CommandRate  float64 `mapstructure:"command_rate"`
	CommandBurst int     `mapstructure:"command_burst"`
}

type SimulatorConfig struct {
	Addr            string  `mapstructure:"addr"`
	Speedup         float64 `mapstructure:"speedup"`
	SourceAzimuth   float64 `mapstructure:"source_azimuth"`
	SourceElevation float64 `mapstructure:"source_elevation"`
}

type InfluxConfig struct {
	Server string `mapstructure:"server"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
	// StatusURL is the websocket status stream of a running dish server.
	StatusURL string `mapstructure:"status_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baud", 9600)
	v.SetDefault("serial.char_delay", "0s")
	v.SetDefault("serial.command_timeout", "1s")

	v.SetDefault("limits.az_min", 0)
	v.SetDefault("limits.az_max", 360)
	v.SetDefault("limits.el_min", 0)
	v.SetDefault("limits.el_max", 70)

	v.SetDefault("home.azimuth", 180)
	v.SetDefault("home.elevation", 5)

	v.SetDefault("calibration.count_at_zero", protocol.DefaultCalibration.CountAtZero)
	v.SetDefault("calibration.count_at_ref", protocol.DefaultCalibration.CountAtRef)
	v.SetDefault("calibration.ref_elevation", protocol.DefaultCalibration.RefElevation)

	v.SetDefault("controller.settle_tolerance", 0.1)
	v.SetDefault("controller.settle_polls", 3)
	v.SetDefault("controller.poll_interval", "100ms")
	v.SetDefault("controller.settle_timeout", "60s")
	v.SetDefault("controller.move_retries", 2)
	v.SetDefault("controller.home_polls", 1200)
	v.SetDefault("controller.sensor_retries", 3)
	v.SetDefault("controller.power_seconds", 1)
	v.SetDefault("controller.power_ceiling", 5000)
	v.SetDefault("controller.nudge_step", 0.2)

	v.SetDefault("scan.output_dir", ".")
	v.SetDefault("scan.az_start", 90)
	v.SetDefault("scan.az_end", 270)
	v.SetDefault("scan.el_start", 5)
	v.SetDefault("scan.el_end", 70)
	v.SetDefault("scan.step", 1)

	v.SetDefault("server.addr", ":8502")
	v.SetDefault("server.rotctld_addr", ":4533")
	v.SetDefault("server.command_rate", 5)
	v.SetDefault("server.command_burst", 10)

	v.SetDefault("simulator.addr", "127.0.0.1:4560")
	v.SetDefault("simulator.speedup", 1)
	v.SetDefault("simulator.source_azimuth", 180)
	v.SetDefault("simulator.source_elevation", 35)

	v.SetDefault("influx.server", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "w1xm")
	v.SetDefault("influx.bucket", "dish")
	v.SetDefault("influx.status_url", "ws://localhost:8502/api/ws")
}

// New returns a viper instance with defaults and environment overrides
// (DISH_SERIAL_PORT overrides serial.port) wired up.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if not empty, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	l := c.Limits
	switch {
	case l.AzMin > l.AzMax || l.ElMin > l.ElMax:
		return fmt.Errorf("%w: limits min above max", ErrInvalid)
	case c.Calibration.CountAtRef == c.Calibration.CountAtZero:
		return fmt.Errorf("%w: calibration counts must differ", ErrInvalid)
	case c.Controller.SettleTolerance <= 0:
		return fmt.Errorf("%w: settle_tolerance must be positive", ErrInvalid)
	case c.Controller.SettlePolls < 1:
		return fmt.Errorf("%w: settle_polls must be at least 1", ErrInvalid)
	case c.Controller.PollInterval <= 0 || c.Controller.SettleTimeout <= 0 || c.Serial.CommandTimeout <= 0:
		return fmt.Errorf("%w: intervals and timeouts must be positive", ErrInvalid)
	case c.Controller.MoveRetries < 0 || c.Controller.SensorRetries < 0:
		return fmt.Errorf("%w: retry counts must not be negative", ErrInvalid)
	case c.Controller.PowerSeconds < 1:
		return fmt.Errorf("%w: power_seconds must be at least 1", ErrInvalid)
	case c.Controller.NudgeStep <= 0:
		return fmt.Errorf("%w: nudge_step must be positive", ErrInvalid)
	}
	home := dish.Position{Azimuth: c.Home.Azimuth, Elevation: c.Home.Elevation}
	if !c.DishLimits().Contains(home) {
		return fmt.Errorf("%w: home %v outside limits", ErrInvalid, home)
	}
	return nil
}

func (c *Config) DishLimits() dish.Limits {
	return dish.Limits{AzMin: c.Limits.AzMin, AzMax: c.Limits.AzMax, ElMin: c.Limits.ElMin, ElMax: c.Limits.ElMax}
}

// Dish returns the controller configuration.
func (c *Config) Dish() dish.Config {
	ctl := c.Controller
	return dish.Config{
		Limits: c.DishLimits(),
		Home:   dish.Position{Azimuth: c.Home.Azimuth, Elevation: c.Home.Elevation},
		Codec: protocol.Codec{Elevation: protocol.Calibration{
			CountAtZero:  c.Calibration.CountAtZero,
			CountAtRef:   c.Calibration.CountAtRef,
			RefElevation: c.Calibration.RefElevation,
		}},
		CommandTimeout:  c.Serial.CommandTimeout,
		SettleTolerance: ctl.SettleTolerance,
		SettlePolls:     ctl.SettlePolls,
		PollInterval:    ctl.PollInterval,
		SettleTimeout:   ctl.SettleTimeout,
		MoveRetries:     ctl.MoveRetries,
		HomePolls:       ctl.HomePolls,
		SensorRetries:   ctl.SensorRetries,
		PowerSeconds:    ctl.PowerSeconds,
		PowerCeiling:    ctl.PowerCeiling,
		NudgeStep:       ctl.NudgeStep,
	}
}

// Link returns the port configuration.
func (c *Config) Link(log *zap.SugaredLogger) link.SerialConfig {
	return link.SerialConfig{
		Port: c.Serial.Port,
		Baud: c.Serial.Baud,
		Options: link.Options{
			CharDelay: c.Serial.CharDelay,
			Logger:    log,
		},
	}
}

// Plan returns the configured sweep.
func (c *Config) Plan() scan.Plan {
	s := c.Scan
	return scan.Plan{AzStart: s.AzStart, AzEnd: s.AzEnd, ElStart: s.ElStart, ElEnd: s.ElEnd, Step: s.Step}
}
