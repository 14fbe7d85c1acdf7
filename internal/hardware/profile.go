package hardware

import (
	"fmt"
	"math"
	"strings"

	"github.com/harunnryd/runit/internal/config"
	runitErrors "github.com/harunnryd/runit/internal/errors"
	"github.com/harunnryd/runit/internal/session"

	"github.com/docker/go-units"
)

const (
	cpuHourlyUSD   = 0.08
	ramGBHourlyUSD = 0.01
)

// Resolve builds the advertised hardware profile and price from configuration.
// Missing RAM falls back to the container memory limit and a zero price is
// replaced by an estimate.
func Resolve(cfg *config.Config) (session.Hardware, session.Pricing, error) {
	hw := session.Hardware{
		GPU:    strings.TrimSpace(cfg.Hardware.GPU),
		VRAMGB: cfg.Hardware.VRAMGB,
		RAMGB:  cfg.Hardware.RAMGB,
	}
	if hw.GPU == "" {
		hw.GPU = "none"
	}

	if hw.RAMGB <= 0 {
		ramGB, err := MemoryGB(cfg.Resource.Memory)
		if err != nil {
			return session.Hardware{}, session.Pricing{}, err
		}
		hw.RAMGB = ramGB
	}

	price := cfg.Pricing.HourlyUSD
	if price < 0 {
		return session.Hardware{}, session.Pricing{}, runitErrors.InvalidInput(fmt.Sprintf("pricing.hourly_usd must not be negative, got %v", price))
	}
	if price == 0 {
		price = EstimateHourlyUSD(cfg.Resource.CPUs, hw.RAMGB)
	}

	return hw, session.Pricing{HourlyUSD: price}, nil
}

// EstimateHourlyUSD prices a machine from its CPU count and RAM in US
// dollars, rounded to the cent.
func EstimateHourlyUSD(cpus, ramGB float64) float64 {
	raw := cpus*cpuHourlyUSD + ramGB*ramGBHourlyUSD
	return math.Round(raw*100) / 100
}

// MemoryGB converts a docker-style memory size ("4g", "512m") to GiB.
func MemoryGB(memory string) (float64, error) {
	trimmed := strings.TrimSpace(memory)
	if trimmed == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, runitErrors.InvalidInput(fmt.Sprintf("parse memory %q: %v", memory, err))
	}
	return float64(bytes) / float64(units.GiB), nil
}
