package audits

import (
	"math"

	"github.com/casoon/auditmysite-studio-sub003/pkg/api/surveyor"
)

// Thresholds bound the scoring curve for one metric: values at or below
// Good score 100, values past Max decay toward zero.
type Thresholds struct {
	Good      float64
	NeedsWork float64
	Max       float64
}

// budgetProfile maps metric names to their thresholds for one
// performance budget.
type budgetProfile map[string]Thresholds

// Metric keys used by the perf scorer. Millisecond metrics except cls,
// which is unitless.
const (
	metricLCP  = "lcp"
	metricFCP  = "fcp"
	metricCLS  = "cls"
	metricINP  = "inp"
	metricTTFB = "ttfb"
	metricTBT  = "tbt"
)

var budgets = map[string]budgetProfile{
	surveyor.BudgetDefault: {
		metricLCP:  {Good: 2500, NeedsWork: 4000, Max: 6000},
		metricFCP:  {Good: 1800, NeedsWork: 3000, Max: 4500},
		metricCLS:  {Good: 0.1, NeedsWork: 0.25, Max: 0.5},
		metricINP:  {Good: 200, NeedsWork: 500, Max: 1000},
		metricTTFB: {Good: 800, NeedsWork: 1800, Max: 3000},
		metricTBT:  {Good: 200, NeedsWork: 600, Max: 1500},
	},
	surveyor.BudgetEcommerce: {
		metricLCP:  {Good: 2000, NeedsWork: 3000, Max: 4000},
		metricFCP:  {Good: 1500, NeedsWork: 2500, Max: 3500},
		metricCLS:  {Good: 0.05, NeedsWork: 0.1, Max: 0.25},
		metricINP:  {Good: 150, NeedsWork: 300, Max: 500},
		metricTTFB: {Good: 600, NeedsWork: 1200, Max: 2000},
		metricTBT:  {Good: 150, NeedsWork: 350, Max: 600},
	},
	surveyor.BudgetCorporate: {
		metricLCP:  {Good: 2500, NeedsWork: 4000, Max: 5500},
		metricFCP:  {Good: 1800, NeedsWork: 3000, Max: 4000},
		metricCLS:  {Good: 0.1, NeedsWork: 0.25, Max: 0.4},
		metricINP:  {Good: 200, NeedsWork: 500, Max: 800},
		metricTTFB: {Good: 800, NeedsWork: 1800, Max: 2500},
		metricTBT:  {Good: 200, NeedsWork: 600, Max: 1200},
	},
	surveyor.BudgetBlog: {
		metricLCP:  {Good: 3000, NeedsWork: 4500, Max: 6000},
		metricFCP:  {Good: 2000, NeedsWork: 3500, Max: 5000},
		metricCLS:  {Good: 0.1, NeedsWork: 0.25, Max: 0.5},
		metricINP:  {Good: 300, NeedsWork: 600, Max: 1000},
		metricTTFB: {Good: 1000, NeedsWork: 2000, Max: 3500},
		metricTBT:  {Good: 300, NeedsWork: 800, Max: 1500},
	},
}

// metricWeights sum to 100 when every metric is present; absent metrics
// drop out and the rest renormalize.
var metricWeights = map[string]float64{
	metricLCP:  25,
	metricFCP:  10,
	metricCLS:  15,
	metricINP:  20,
	metricTTFB: 10,
	metricTBT:  20,
}

// metricScore maps a measured value onto 0..100 against its thresholds.
// The curve is piecewise linear down to Max and halves every further Max
// beyond it, so catastrophic values still rank worse than bad ones.
func metricScore(v float64, t Thresholds) float64 {
	switch {
	case v <= t.Good:
		return 100
	case v <= t.NeedsWork:
		return 100 - 30*(v-t.Good)/(t.NeedsWork-t.Good)
	case v <= t.Max:
		return 70 - 40*(v-t.NeedsWork)/(t.Max-t.NeedsWork)
	default:
		return 30 * math.Pow(2, -(v-t.Max)/t.Max)
	}
}

// scoreMetrics computes the weighted overall score for the values that
// were actually measured. Unknown budget names fall back to the default
// profile; validation upstream should prevent them.
func scoreMetrics(budget string, values map[string]float64) float64 {
	profile, ok := budgets[budget]
	if !ok {
		profile = budgets[surveyor.BudgetDefault]
	}
	var sum, weight float64
	for name, v := range values {
		t, ok := profile[name]
		if !ok {
			continue
		}
		w := metricWeights[name]
		sum += w * metricScore(v, t)
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return math.Round(sum/weight*10) / 10
}

// gradeFor buckets a 0..100 score into a letter grade.
func gradeFor(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
