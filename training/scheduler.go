package training

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps an epoch to a learning rate. Implementations are pure
// functions of their arguments so one value can be shared by every fold.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64
	Name() string
}

// ConstantLR keeps the base learning rate.
type ConstantLR struct{}

func (s ConstantLR) GetLR(epoch int, baseLR float64) float64 { return baseLR }
func (s ConstantLR) Name() string                             { return "constant" }

// StepLR multiplies the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
}

func (s StepLR) GetLR(epoch int, baseLR float64) float64 {
	if s.StepSize <= 0 {
		return baseLR
	}
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s StepLR) Name() string { return "step" }

// CosineLR anneals from the base rate to EtaMin over TMax epochs.
type CosineLR struct {
	TMax   int
	EtaMin float64
}

func (s CosineLR) GetLR(epoch int, baseLR float64) float64 {
	if s.TMax <= 0 || epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s CosineLR) Name() string { return "cosine" }

// NewScheduler resolves a scheduler by name. Empty selects ConstantLR.
func NewScheduler(name string, stepSize int, gamma float64, epochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "constant":
		return ConstantLR{}, nil
	case "step":
		if stepSize <= 0 || gamma <= 0 || gamma >= 1 {
			return nil, fmt.Errorf("step scheduler needs step_size > 0 and gamma in (0, 1), got %d / %f", stepSize, gamma)
		}
		return StepLR{StepSize: stepSize, Gamma: gamma}, nil
	case "cosine":
		if epochs <= 0 {
			return nil, fmt.Errorf("cosine scheduler needs a positive epoch budget")
		}
		return CosineLR{TMax: epochs}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}
