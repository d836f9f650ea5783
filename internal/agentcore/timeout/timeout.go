// Package timeout implements the timeout estimator (§4.10): classifies a
// task description into a task type, derives a timeout budget from tier
// defaults or recorded history, and decides whether a running task earns
// an iteration or time extension.
//
// No teacher file estimates timeouts directly; this package follows the
// classifier package's regex-keyword-bucket idiom (internal/agentcore/classifier)
// for task-type detection and the metrics-store append/query shape sketched
// by types.TaskMetric for the historical P85 estimate.
package timeout

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

// TaskType is the coarse classification used to bucket historical metrics.
type TaskType string

const (
	TaskResearch     TaskType = "research"
	TaskCode         TaskType = "code"
	TaskAnalysis     TaskType = "analysis"
	TaskWriting      TaskType = "writing"
	TaskSimpleLookup TaskType = "simple_lookup"
)

var (
	researchKeywords = regexp.MustCompile(`(?i)\b(research|investigate|compare|survey|sources?|find out)\b`)
	codeKeywords     = regexp.MustCompile(`(?i)\b(implement|refactor|debug|fix|function|code|test|compile|bug)\b`)
	analysisKeywords = regexp.MustCompile(`(?i)\b(analyze|analysis|evaluate|assess|review|audit)\b`)
	writingKeywords  = regexp.MustCompile(`(?i)\b(write|draft|compose|summarize|document|blog|essay)\b`)
)

// Classify buckets a task description into one of the five task types.
// simple_lookup is the default when nothing else matches.
func Classify(desc string) TaskType {
	switch {
	case researchKeywords.MatchString(desc):
		return TaskResearch
	case codeKeywords.MatchString(desc):
		return TaskCode
	case analysisKeywords.MatchString(desc):
		return TaskAnalysis
	case writingKeywords.MatchString(desc):
		return TaskWriting
	default:
		return TaskSimpleLookup
	}
}

// defaultTierForTaskType maps a classified task type to a tier, used when
// the caller doesn't already know the tier (e.g. the classifier hasn't run).
var defaultTierForTaskType = map[TaskType]types.Tier{
	TaskResearch:     types.TierComplex,
	TaskCode:         types.TierModerate,
	TaskAnalysis:     types.TierComplex,
	TaskWriting:      types.TierModerate,
	TaskSimpleLookup: types.TierSimple,
}

// tierDefaults are the fixed per-tier timeout budgets.
var tierDefaults = map[types.Tier]time.Duration{
	types.TierSimple:    30 * time.Second,
	types.TierModerate:  60 * time.Second,
	types.TierComplex:   120 * time.Second,
	types.TierReasoning: 180 * time.Second,
}

const (
	minEstimate = 15 * time.Second
	maxEstimate = 300 * time.Second
	minSamples  = 5
)

// BasedOn names the source of an Estimate.
type BasedOn string

const (
	BasedOnTierDefault BasedOn = "tier_default"
	BasedOnHistorical  BasedOn = "historical"
)

// Estimate is the result of estimate(desc, tier).
type Estimate struct {
	TaskType      TaskType
	Tier          types.Tier
	TimeoutMs     int64
	MaxIterations int
	BasedOn       BasedOn
	Confidence    float64
}

// Extension is the result of shouldExtend(...).
type Extension struct {
	Extend          bool
	ExtraIterations int
	ExtraMs         int64
}

// Estimator holds the append-only TaskMetric history used for historical
// estimates.
type Estimator struct {
	mu      sync.RWMutex
	metrics []types.TaskMetric
}

// New returns an empty Estimator.
func New() *Estimator {
	return &Estimator{}
}

// Record appends a TaskMetric row.
func (e *Estimator) Record(m types.TaskMetric) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = append(e.metrics, m)
}

// Estimate classifies desc, resolves a tier if one isn't supplied, and
// returns a timeout estimate based on recorded history when there are
// enough matching samples, or the tier default otherwise.
func (e *Estimator) Estimate(desc string, tier types.Tier) Estimate {
	taskType := Classify(desc)

	if tier == "" {
		tier = defaultTierForTaskType[taskType]
		if tier == "" {
			tier = types.TierModerate
		}
	}

	durations := e.matchingDurations(taskType, tier)
	if len(durations) >= minSamples {
		p85 := percentile(durations, 0.85)
		estimated := time.Duration(float64(p85) * 1.5)
		if estimated < minEstimate {
			estimated = minEstimate
		}
		if estimated > maxEstimate {
			estimated = maxEstimate
		}
		confidence := float64(len(durations)) / 20.0
		if confidence > 1 {
			confidence = 1
		}
		return Estimate{
			TaskType:   taskType,
			Tier:       tier,
			TimeoutMs:  estimated.Milliseconds(),
			BasedOn:    BasedOnHistorical,
			Confidence: confidence,
		}
	}

	def, ok := tierDefaults[tier]
	if !ok {
		def = tierDefaults[types.TierModerate]
	}
	return Estimate{
		TaskType:   taskType,
		Tier:       tier,
		TimeoutMs:  def.Milliseconds(),
		BasedOn:    BasedOnTierDefault,
		Confidence: 0,
	}
}

func (e *Estimator) matchingDurations(taskType TaskType, tier types.Tier) []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []int64
	for _, m := range e.metrics {
		if TaskType(m.TaskType) == taskType && m.Tier == tier {
			out = append(out, m.DurationMs)
		}
	}
	return out
}

// percentile returns the p-th percentile (0..1) of values using
// nearest-rank interpolation over a sorted copy.
func percentile(values []int64, p float64) time.Duration {
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return time.Duration(sorted[idx]) * time.Millisecond
}

// ShouldExtend decides whether a running task earns an iteration or
// time-pressure extension, per §4.10's two rules plus a hard cap of two
// extensions total.
func ShouldExtend(iterDone, iterMax int, elapsed, budget time.Duration, extensionsSoFar int) Extension {
	if extensionsSoFar >= 2 {
		return Extension{}
	}

	if float64(iterDone) >= 0.7*float64(iterMax) && elapsed < time.Duration(0.8*float64(budget)) {
		return Extension{Extend: true, ExtraIterations: 5}
	}

	if elapsed >= time.Duration(0.9*float64(budget)) && float64(iterDone) < 0.5*float64(iterMax) {
		return Extension{Extend: true, ExtraMs: (30 * time.Second).Milliseconds()}
	}

	return Extension{}
}
