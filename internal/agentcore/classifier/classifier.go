// Package classifier implements the query classifier (§4.5): a pure,
// side-effect-free function from message text to a routing tier.
//
// Grounded on the teacher's HeuristicClassifier (regex keyword tagging over
// lower-cased content), generalized from a tag list to the spec's
// eight-weighted-dimension score.
package classifier

import (
	"math"
	"regexp"
	"strings"

	"github.com/tinyclaw/agentcore/internal/agentcore/types"
)

var (
	reasoningKeywords = regexp.MustCompile(`(?i)\b(analyze|reason|think through|derive|prove|why|tradeoff|evaluate|justify|compare and contrast)\b`)
	codeKeywords      = regexp.MustCompile("(?i)\\b(func|function|class|def|package|import|algorithm|implement|refactor|compile|debug|regex)\\b|```")
	multiStepMarkers  = regexp.MustCompile(`(?i)\b(first|then|after that|finally|step \d|next,)\b`)
	technicalKeywords = regexp.MustCompile(`(?i)\b(api|database|server|protocol|encryption|architecture|schema|latency|throughput|kubernetes|concurrency)\b`)
	simpleGreetings   = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|thanks|thank you|good morning|good night)\b`)
	constraintKeywords = regexp.MustCompile(`(?i)\b(must|should not|require|constraint|limit|only if|cannot exceed)\b`)
	creativeKeywords = regexp.MustCompile(`(?i)\b(write a poem|story|imagine|brainstorm|creative|metaphor)\b`)
)

// Tier is re-exported for convenience; callers can also use types.Tier directly.
type Tier = types.Tier

// Result is the classifier's output for a single message.
type Result struct {
	Tier          Tier
	Confidence    float64
	Score         float64
	EstimatedTokens int
}

type dimension struct {
	weight float64
	value  func(lower string, tokenEstimate int) float64
}

func countMatches(re *regexp.Regexp, s string) int {
	return len(re.FindAllStringIndex(s, -1))
}

var dimensions = []dimension{
	{ // reasoning keywords
		weight: 0.20,
		value: func(lower string, _ int) float64 {
			n := countMatches(reasoningKeywords, lower)
			switch {
			case n >= 2:
				return 1.0
			case n >= 1:
				return 0.3
			default:
				return 0
			}
		},
	},
	{ // code keywords
		weight: 0.18,
		value: func(lower string, _ int) float64 {
			n := countMatches(codeKeywords, lower)
			switch {
			case n >= 2:
				return 1.0
			case n >= 1:
				return 0.3
			default:
				return 0
			}
		},
	},
	{ // multi-step markers
		weight: 0.15,
		value: func(lower string, _ int) float64 {
			n := countMatches(multiStepMarkers, lower)
			switch {
			case n >= 2:
				return 0.8
			case n >= 1:
				return 0.4
			default:
				return 0
			}
		},
	},
	{ // technical keywords
		weight: 0.12,
		value: func(lower string, _ int) float64 {
			n := countMatches(technicalKeywords, lower)
			switch {
			case n >= 3:
				return 1.0
			case n >= 1:
				return 0.3
			default:
				return 0
			}
		},
	},
	{ // prompt length (estimated tokens)
		weight: 0.10,
		value: func(_ string, tokens int) float64 {
			switch {
			case tokens < 30:
				return -0.5
			case tokens > 200:
				return 0.8
			case tokens >= 100:
				return 0.3
			default:
				return 0
			}
		},
	},
	{ // simple greetings
		weight: 0.10,
		value: func(lower string, _ int) float64 {
			if simpleGreetings.MatchString(lower) {
				return -1.0
			}
			return 0
		},
	},
	{ // constraint keywords
		weight: 0.08,
		value: func(lower string, _ int) float64 {
			n := countMatches(constraintKeywords, lower)
			switch {
			case n >= 2:
				return 1.0
			case n >= 1:
				return 0.3
			default:
				return 0
			}
		},
	},
	{ // creative keywords
		weight: 0.07,
		value: func(lower string, _ int) float64 {
			if creativeKeywords.MatchString(lower) {
				return 0.7
			}
			return 0
		},
	},
}

var boundaries = []float64{-0.05, 0.15, 0.35}

// EstimateTokens is the shared ceil(chars/4) heuristic used by this
// classifier and by the compactor's budget math.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// Classify scores message text against the eight weighted dimensions and
// derives a tier, confidence, and token estimate. It performs no I/O and
// has no side effects: the same text always yields the same Result.
func Classify(text string) Result {
	lower := strings.ToLower(text)
	tokens := EstimateTokens(text)

	var score float64
	for _, d := range dimensions {
		score += d.weight * d.value(lower, tokens)
	}

	tier := tierFor(score)
	conf := confidenceFor(score)

	return Result{Tier: tier, Confidence: conf, Score: score, EstimatedTokens: tokens}
}

func tierFor(score float64) Tier {
	switch {
	case score < boundaries[0]:
		return types.TierSimple
	case score < boundaries[1]:
		return types.TierModerate
	case score < boundaries[2]:
		return types.TierComplex
	default:
		return types.TierReasoning
	}
}

func confidenceFor(score float64) float64 {
	d := math.Inf(1)
	for _, b := range boundaries {
		if dist := math.Abs(score - b); dist < d {
			d = dist
		}
	}
	return 1 / (1 + math.Exp(-12*d))
}
