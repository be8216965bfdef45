package models

import "time"

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualitySlow      Quality = "slow"
	QualityPoor      Quality = "poor"
)

type ConnectivityState struct {
	IsOnline         bool       `json:"is_online"`
	Quality          Quality    `json:"quality"`
	LowBandwidthMode bool       `json:"low_bandwidth_mode"`
	LastOnlineAt     *time.Time `json:"last_online_at,omitempty"`
}

// EffectiveQuality is the quality content decisions should use. Quality is
// only measured while online, so an offline device always counts as poor.
func (s ConnectivityState) EffectiveQuality() Quality {
	if !s.IsOnline {
		return QualityPoor
	}
	if s.Quality == "" {
		return QualityGood
	}
	return s.Quality
}
