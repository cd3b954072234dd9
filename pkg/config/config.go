package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/batcontrol/batcontrol/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk site configuration (YAML). It is loaded once at
// startup; per-process knobs (listen address, log level, storage backend)
// stay on flags like the rest of the stack.
type Config struct {
	Timezone                  string `yaml:"timezone"`
	EvaluationIntervalMinutes int    `yaml:"evaluation_interval_minutes"`
	TargetResolutionMinutes   int    `yaml:"target_resolution_minutes"`

	// ForecastErrorToleranceSeconds is how long the controller keeps the last
	// commanded mode when forecasts cannot be refreshed before falling back
	// to ALLOW_DISCHARGE.
	ForecastErrorToleranceSeconds int `yaml:"forecast_error_tolerance_seconds"`

	Inverter       InverterConfig    `yaml:"inverter"`
	Tariff         TariffConfig      `yaml:"tariff"`
	Solar          SolarConfig       `yaml:"solar"`
	Consumption    ConsumptionConfig `yaml:"consumption"`
	BatteryControl types.Parameters  `yaml:"battery_control"`
}

// InverterConfig selects and configures the inverter driver.
type InverterConfig struct {
	Type    string `yaml:"type"` // "modbus" or "mock"
	Address string `yaml:"address"`
	SlaveID int    `yaml:"slave_id"`

	DesignCapacityWh float64 `yaml:"design_capacity_wh"`
	MinSOCPercent    float64 `yaml:"min_soc_percent"`
	MaxSOCPercent    float64 `yaml:"max_soc_percent"`

	MaxGridChargeRateW float64 `yaml:"max_grid_charge_rate_w"`
	MaxPVChargeRateW   float64 `yaml:"max_pv_charge_rate_w"`

	// SnapshotPath is where the pre-run device configuration snapshot is
	// persisted so Shutdown can restore it.
	SnapshotPath string `yaml:"snapshot_path"`

	OutageToleranceSeconds int `yaml:"outage_tolerance_seconds"`
	RetryBackoffSeconds    int `yaml:"retry_backoff_seconds"`
}

// TariffConfig selects and configures the tariff provider.
type TariffConfig struct {
	Type string `yaml:"type"` // "awattar", "tibber", "evcc", "tou"

	Country string `yaml:"country"` // awattar: "de" or "at"
	Token   string `yaml:"token"`   // tibber bearer token
	URL     string `yaml:"url"`     // evcc local endpoint

	VATPercent    float64 `yaml:"vat_percent"`
	MarkupPercent float64 `yaml:"markup_percent"`
	FeesPerKWH    float64 `yaml:"fees_per_kwh"`

	TOU TOUConfig `yaml:"tou"`
}

// TOUConfig is the two-tier time-of-day fallback tariff.
type TOUConfig struct {
	PriceZone1     float64 `yaml:"price_zone1"`
	PriceZone2     float64 `yaml:"price_zone2"`
	Zone1StartHour int     `yaml:"zone1_start_hour"`
	Zone1EndHour   int     `yaml:"zone1_end_hour"`
}

// SolarConfig selects and configures the solar forecast provider.
type SolarConfig struct {
	Type          string           `yaml:"type"` // "forecastsolar", "homeassistant", "clearsky"
	APIKey        string           `yaml:"api_key"`
	Installations []PVInstallation `yaml:"installations"`
	HomeAssistant HomeAssistantRef `yaml:"homeassistant"`
}

// PVInstallation describes one PV plane.
type PVInstallation struct {
	Name        string  `yaml:"name"`
	Latitude    float64 `yaml:"lat"`
	Longitude   float64 `yaml:"lon"`
	Declination float64 `yaml:"declination"`
	Azimuth     float64 `yaml:"azimuth"`
	KWp         float64 `yaml:"kwp"`
}

// HomeAssistantRef points at a local sensor entity.
type HomeAssistantRef struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Entity string `yaml:"entity"`
}

// ConsumptionConfig selects the consumption forecast source.
type ConsumptionConfig struct {
	Source        string           `yaml:"source"` // "history" or "homeassistant"
	HistoryDays   int              `yaml:"history_days"`
	HomeAssistant HomeAssistantRef `yaml:"homeassistant"`
}

// Load reads, defaults, and validates the configuration document. Any
// validation failure here is fatal at startup.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var c Config
	c.BatteryControl = types.DefaultParameters()
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.EvaluationIntervalMinutes == 0 {
		c.EvaluationIntervalMinutes = 3
	}
	if c.TargetResolutionMinutes == 0 {
		c.TargetResolutionMinutes = 60
	}
	if c.ForecastErrorToleranceSeconds == 0 {
		c.ForecastErrorToleranceSeconds = 600
	}
	if c.Inverter.OutageToleranceSeconds == 0 {
		c.Inverter.OutageToleranceSeconds = 24 * 60
	}
	if c.Inverter.RetryBackoffSeconds == 0 {
		c.Inverter.RetryBackoffSeconds = 60
	}
	if c.Inverter.MinSOCPercent == 0 {
		c.Inverter.MinSOCPercent = 5
	}
	if c.Inverter.MaxSOCPercent == 0 {
		c.Inverter.MaxSOCPercent = 95
	}
	if c.Inverter.DesignCapacityWh == 0 && c.Inverter.Type == "mock" {
		c.Inverter.DesignCapacityWh = 10000
	}
	if c.Consumption.HistoryDays == 0 {
		c.Consumption.HistoryDays = 28
	}
}

// Validate checks required keys. Unknown keys are tolerated by the YAML
// decoder; missing required ones are startup errors.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.TargetResolutionMinutes != 15 && c.TargetResolutionMinutes != 60 {
		return fmt.Errorf("target_resolution_minutes must be 15 or 60, got %d", c.TargetResolutionMinutes)
	}
	if c.EvaluationIntervalMinutes < 1 {
		return errors.New("evaluation_interval_minutes must be at least 1")
	}

	switch c.Inverter.Type {
	case "modbus":
		if c.Inverter.Address == "" {
			return errors.New("inverter.address is required for the modbus inverter")
		}
	case "mock":
	case "":
		return errors.New("inverter.type is required")
	default:
		return fmt.Errorf("unknown inverter type: %s", c.Inverter.Type)
	}
	if c.Inverter.DesignCapacityWh <= 0 {
		return errors.New("inverter.design_capacity_wh is required")
	}
	if c.Inverter.MinSOCPercent < 0 || c.Inverter.MaxSOCPercent > 100 ||
		c.Inverter.MinSOCPercent >= c.Inverter.MaxSOCPercent {
		return fmt.Errorf(
			"inverter SOC window invalid: min=%.1f max=%.1f",
			c.Inverter.MinSOCPercent, c.Inverter.MaxSOCPercent,
		)
	}

	switch c.Tariff.Type {
	case "awattar":
		if c.Tariff.Country != "de" && c.Tariff.Country != "at" {
			return fmt.Errorf("tariff.country must be de or at, got %q", c.Tariff.Country)
		}
	case "tibber":
		if c.Tariff.Token == "" {
			return errors.New("tariff.token is required for tibber")
		}
	case "evcc":
		if c.Tariff.URL == "" {
			return errors.New("tariff.url is required for evcc")
		}
	case "tou":
		if c.Tariff.TOU.Zone1StartHour < 0 || c.Tariff.TOU.Zone1StartHour > 23 ||
			c.Tariff.TOU.Zone1EndHour < 0 || c.Tariff.TOU.Zone1EndHour > 24 {
			return errors.New("tariff.tou zone hours out of range")
		}
	case "":
		return errors.New("tariff.type is required")
	default:
		return fmt.Errorf("unknown tariff type: %s", c.Tariff.Type)
	}

	switch c.Solar.Type {
	case "forecastsolar", "clearsky":
		if len(c.Solar.Installations) == 0 {
			return fmt.Errorf("solar.installations is required for %s", c.Solar.Type)
		}
	case "homeassistant":
		if c.Solar.HomeAssistant.URL == "" || c.Solar.HomeAssistant.Entity == "" {
			return errors.New("solar.homeassistant url and entity are required")
		}
	case "":
		return errors.New("solar.type is required")
	default:
		return fmt.Errorf("unknown solar type: %s", c.Solar.Type)
	}

	switch c.Consumption.Source {
	case "history":
	case "homeassistant":
		if c.Consumption.HomeAssistant.URL == "" || c.Consumption.HomeAssistant.Entity == "" {
			return errors.New("consumption.homeassistant url and entity are required")
		}
	case "":
		return errors.New("consumption.source is required")
	default:
		return fmt.Errorf("unknown consumption source: %s", c.Consumption.Source)
	}

	if err := c.BatteryControl.Validate(); err != nil {
		return fmt.Errorf("battery_control invalid: %w", err)
	}
	return nil
}

// Location resolves the configured timezone. Validate has already confirmed
// it loads.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		panic(fmt.Errorf("failed to load configured timezone %q: %w", c.Timezone, err))
	}
	return loc
}
