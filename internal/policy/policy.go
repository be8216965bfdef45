// Package policy maps connectivity state to content-fidelity decisions. It
// holds no state of its own.
package policy

import (
	"github.com/prudhvinik1/mealstock/internal/models"
)

// MobileBreakpoint is the viewport width below which images drop a tier.
const MobileBreakpoint = 768

type LogicalSize string

const (
	SizeSmall  LogicalSize = "small"
	SizeMedium LogicalSize = "medium"
	SizeLarge  LogicalSize = "large"
	SizeFull   LogicalSize = "full"
)

var LogicalSizes = []LogicalSize{SizeSmall, SizeMedium, SizeLarge, SizeFull}

type Resolution string

const (
	ResolutionPlaceholder Resolution = "placeholder"
	ResolutionSmall       Resolution = "small"
	ResolutionMedium      Resolution = "medium"
	ResolutionLarge       Resolution = "large"
)

var tiers = []Resolution{ResolutionSmall, ResolutionMedium, ResolutionLarge}

var sizeTier = map[LogicalSize]int{
	SizeSmall:  0,
	SizeMedium: 1,
	SizeLarge:  2,
	SizeFull:   3,
}

type ImageRequest struct {
	LogicalSize LogicalSize `json:"logical_size"`
	// ViewportWidth in CSS pixels. Zero means unknown and is treated as desktop.
	ViewportWidth int `json:"viewport_width"`
	// Inline assets are already lightweight and never replaced by a placeholder.
	Inline bool `json:"inline"`
}

var recommendations = map[models.Quality]string{
	models.QualityExcellent: "Your connection is excellent. Enjoy full-quality images.",
	models.QualityGood:      "Your connection is good. No changes needed.",
	models.QualityFair:      "Your connection is fair. Consider enabling data saver on metered networks.",
	models.QualitySlow:      "Your connection is slow. We recommend enabling data saver.",
	models.QualityPoor:      "Your connection is poor. We strongly recommend enabling data saver.",
}

type Policy struct {
	state models.ConnectivityState
}

func New(state models.ConnectivityState) Policy {
	return Policy{state: state}
}

// Degraded reports whether content should be cut back: data saver is on or
// the connection is slow or worse.
func (p Policy) Degraded() bool {
	if p.state.LowBandwidthMode {
		return true
	}
	q := p.state.EffectiveQuality()
	return q == models.QualitySlow || q == models.QualityPoor
}

func (p Policy) ShowSecondaryDetails() bool {
	return !p.Degraded()
}

func (p Policy) SelectImageResolution(req ImageRequest) Resolution {
	if p.Degraded() && !req.Inline {
		return ResolutionPlaceholder
	}

	tier, ok := sizeTier[req.LogicalSize]
	if !ok {
		tier = sizeTier[SizeMedium]
	}
	if req.ViewportWidth > 0 && req.ViewportWidth < MobileBreakpoint {
		tier--
	}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(tiers) {
		tier = len(tiers) - 1
	}
	return tiers[tier]
}

func (p Policy) Recommendation() string {
	return recommendations[p.state.EffectiveQuality()]
}

// Directives is the policy rendered for clients that cannot call it.
type Directives struct {
	Quality              models.Quality `json:"quality"`
	Degraded             bool           `json:"degraded"`
	ShowSecondaryDetails bool           `json:"show_secondary_details"`
	Recommendation       string         `json:"recommendation"`
}

func (p Policy) Directives() Directives {
	return Directives{
		Quality:              p.state.EffectiveQuality(),
		Degraded:             p.Degraded(),
		ShowSecondaryDetails: p.ShowSecondaryDetails(),
		Recommendation:       p.Recommendation(),
	}
}
