package connectivity

import (
	"time"

	"github.com/prudhvinik1/mealstock/internal/models"
)

// Probe latency thresholds, upper bounds exclusive.
const (
	excellentBelow = 100 * time.Millisecond
	goodBelow      = 300 * time.Millisecond
	fairBelow      = 750 * time.Millisecond
	slowBelow      = 2000 * time.Millisecond
)

// fastDownlinkMbps splits 4g connections into excellent and good.
const fastDownlinkMbps = 10

// EffectiveConnection is what a native network-information source reports.
type EffectiveConnection struct {
	Type         string
	DownlinkMbps float64
}

// NetworkInfo is an optional platform capability. Effective reports ok=false
// when nothing is known and the monitor should probe instead.
type NetworkInfo interface {
	Effective() (EffectiveConnection, bool)
}

func QualityFromLatency(elapsed time.Duration) models.Quality {
	switch {
	case elapsed < excellentBelow:
		return models.QualityExcellent
	case elapsed < goodBelow:
		return models.QualityGood
	case elapsed < fairBelow:
		return models.QualityFair
	case elapsed < slowBelow:
		return models.QualitySlow
	default:
		return models.QualityPoor
	}
}

// QualityFromEffectiveType maps the platform's effective connection type.
// Unknown types report ok=false.
func QualityFromEffectiveType(conn EffectiveConnection) (models.Quality, bool) {
	switch conn.Type {
	case "4g":
		if conn.DownlinkMbps >= fastDownlinkMbps {
			return models.QualityExcellent, true
		}
		return models.QualityGood, true
	case "3g":
		return models.QualityFair, true
	case "2g":
		return models.QualitySlow, true
	case "slow-2g":
		return models.QualityPoor, true
	default:
		return "", false
	}
}
