package analytics

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"lpvalidation/services/analytics/internal/model"
)

const (
	DefaultAlpha         = 0.1
	minimumStandardError = 1e-12
)

type Alternative string

const (
	// Greater tests whether sample B converts better than sample A.
	Greater  Alternative = "greater"
	TwoSided Alternative = "two-sided"
)

type SignificanceTester struct {
	Alpha       float64
	Alternative Alternative
}

func NewSignificanceTester() SignificanceTester {
	return SignificanceTester{Alpha: DefaultAlpha, Alternative: Greater}
}

// testType names the test and its direction.
func (t SignificanceTester) testType() string {
	if t.Alternative == TwoSided {
		return "two-proportion z-test (two-sided)"
	}
	return "two-proportion z-test (one-sided)"
}

// Test runs a pooled two-proportion z-test of B against A.
func (t SignificanceTester) Test(a, b model.ConversionSample) model.SignificanceResult {
	alpha := t.Alpha
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}

	result := model.SignificanceResult{PValue: 1, TestType: t.testType()}
	if a.Sessions <= 0 || b.Sessions <= 0 {
		return result
	}

	nA := float64(a.Sessions)
	nB := float64(b.Sessions)
	pA := float64(a.Conversions) / nA
	pB := float64(b.Conversions) / nB
	pooled := float64(a.Conversions+b.Conversions) / (nA + nB)

	standardError := math.Sqrt(pooled * (1 - pooled) * (1/nA + 1/nB))
	if math.IsNaN(standardError) || standardError < minimumStandardError {
		return result
	}

	z := (pB - pA) / standardError

	var p float64
	switch t.Alternative {
	case TwoSided:
		p = 2 * distuv.UnitNormal.Survival(math.Abs(z))
	default:
		p = distuv.UnitNormal.Survival(z)
	}
	p = math.Min(math.Max(p, 0), 1)

	result.ZScore = model.Round(z, 3)
	result.PValue = model.Round(p, 3)
	result.ConfidenceLevel = model.Round(math.Min(math.Max((1-p)*100, 0), 100), 1)
	result.IsSignificant = p < alpha
	return result
}
