package relay

import (
	"math"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
)

// CostEstimator converts accumulated token usage into a cost in USD.
type CostEstimator interface {
	Estimate(usage entities.Usage) float64
}

// CostFunc adapts a function to the CostEstimator interface.
type CostFunc func(usage entities.Usage) float64

func (f CostFunc) Estimate(usage entities.Usage) float64 { return f(usage) }

// RateCard prices tokens per million. The zero value estimates every session
// at no cost.
type RateCard struct {
	InputTextPerMillion   float64 `yaml:"input_text_per_million"`
	InputAudioPerMillion  float64 `yaml:"input_audio_per_million"`
	OutputTextPerMillion  float64 `yaml:"output_text_per_million"`
	OutputAudioPerMillion float64 `yaml:"output_audio_per_million"`
}

// Estimate returns the cost rounded to micro-dollars.
func (r RateCard) Estimate(usage entities.Usage) float64 {
	total := float64(usage.InputTextTokens)*r.InputTextPerMillion +
		float64(usage.InputAudioTokens)*r.InputAudioPerMillion +
		float64(usage.OutputTextTokens)*r.OutputTextPerMillion +
		float64(usage.OutputAudioTokens)*r.OutputAudioPerMillion
	return math.Round(total) / 1e6
}
