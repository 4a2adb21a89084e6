package boundary

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/tandem-chat/tandem/internal/domain/boundary"
)

// Category names emitted by the classifier.
const (
	CategorySelfHarm  = "self-harm"
	CategoryViolence  = "interpersonal-violence"
	CategoryThreats   = "threats"
	CategoryIntensity = "emotional-intensity"
	CategoryContext   = "context-risk"
	CategoryLength    = "message-length"
)

// Config holds the contextual-tier thresholds. The values mirror the
// original rule set and are deliberately overridable rather than derived.
type Config struct {
	// IntensityFlagThreshold: lexical intensity density at or above this
	// classifies High/Flag.
	IntensityFlagThreshold float64
	// ContextEmergencyThreshold: combined session-context risk at or above
	// this classifies Critical/Emergency.
	ContextEmergencyThreshold float64
	// LongMessageLength and LongMessageIntensity together classify
	// Medium/Flag for long, moderately intense messages.
	LongMessageLength    int
	LongMessageIntensity float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		IntensityFlagThreshold:    0.8,
		ContextEmergencyThreshold: 0.7,
		LongMessageLength:         1000,
		LongMessageIntensity:      0.6,
	}
}

// MessageContext carries the session-side risk signals supplied by the
// caller. The guard never reads session state itself.
type MessageContext struct {
	HourOfDay           int
	PriorMessageCount   int
	PriorViolationCount int
}

// categoryMatcher is one deterministic-tier pattern.
type categoryMatcher struct {
	category string
	re       *regexp.Regexp
	level    boundary.RiskLevel
}

var matchers = []categoryMatcher{
	{
		category: CategorySelfHarm,
		re: regexp.MustCompile(`(?i)(kill(?:ing)?\s+myself|suicid|end(?:ing)?\s+my\s+life|hurt(?:ing)?\s+myself|self[-\s]harm|want\s+to\s+die|better\s+off\s+dead)`),
		level:    boundary.LevelCritical,
	},
	{
		category: CategoryViolence,
		re: regexp.MustCompile(`(?i)((?:kill|strangle|stab|shoot)\s+(?:him|her|you|them)|hurt\s+(?:him|her|you|them)|beat\s+(?:him|her|you|them)(?:\s+up)?|going\s+to\s+hit)`),
		level:    boundary.LevelCritical,
	},
	{
		category: CategoryThreats,
		re: regexp.MustCompile(`(?i)(you'?ll\s+regret|make\s+you\s+pay|watch\s+your\s+back|or\s+else|get\s+back\s+at\s+you)`),
		level:    boundary.LevelHigh,
	},
}

// intensityLexicon drives the lexical emotional-intensity density score.
var intensityLexicon = map[string]struct{}{
	"hate": {}, "always": {}, "never": {}, "furious": {}, "rage": {},
	"worthless": {}, "unbearable": {}, "hopeless": {}, "miserable": {},
	"disgusted": {}, "ruined": {}, "destroyed": {}, "screaming": {},
	"awful": {}, "unforgivable": {}, "betrayed": {}, "devastated": {},
}

// contextRule is one compiled contextual-tier trigger. Conditions are
// govaluate expressions over the computed signal parameters so operators can
// reshape them without touching classifier code.
type contextRule struct {
	name      string
	condition string
	expr      *govaluate.EvaluableExpression
	level     boundary.RiskLevel
	action    boundary.Action
	category  string
}

// Guard classifies message content. It is stateless and safe for
// concurrent use.
type Guard struct {
	cfg    Config
	rules  []contextRule
	logger zerolog.Logger
}

// NewGuard compiles the contextual rule set against cfg.
func NewGuard(cfg Config, logger zerolog.Logger) (*Guard, error) {
	specs := []contextRule{
		{
			name:      "context-emergency",
			condition: "contextRisk >= contextEmergencyThreshold",
			level:     boundary.LevelCritical,
			action:    boundary.ActionEmergency,
			category:  CategoryContext,
		},
		{
			name:      "intensity-flag",
			condition: "intensity >= intensityFlagThreshold",
			level:     boundary.LevelHigh,
			action:    boundary.ActionFlag,
			category:  CategoryIntensity,
		},
		{
			name:      "long-intense-message",
			condition: "length > longMessageLength && intensity > longMessageIntensity",
			level:     boundary.LevelMedium,
			action:    boundary.ActionFlag,
			category:  CategoryLength,
		},
	}
	for i := range specs {
		expr, err := govaluate.NewEvaluableExpression(specs[i].condition)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", specs[i].name, err)
		}
		specs[i].expr = expr
	}
	return &Guard{
		cfg:    cfg,
		rules:  specs,
		logger: logger.With().Str("service", "boundary-guard").Logger(),
	}, nil
}

// Classify runs both tiers and combines them by taking the more severe
// result on every axis. It never fails for valid string input.
func (g *Guard) Classify(content string, mctx MessageContext) boundary.Assessment {
	det := g.classifyDeterministic(content)
	ctx := g.classifyContextual(content, mctx)
	return boundary.Combine(det, ctx)
}

func (g *Guard) classifyDeterministic(content string) boundary.Assessment {
	out := boundary.Assessment{Level: boundary.LevelLow, Action: boundary.ActionAllow}
	for _, m := range matchers {
		if !m.re.MatchString(content) {
			continue
		}
		hit := boundary.Assessment{
			Level:      m.level,
			Action:     boundary.ActionForLevel(m.level),
			Categories: []string{m.category},
		}
		out = boundary.Combine(out, hit)
	}
	return out
}

func (g *Guard) classifyContextual(content string, mctx MessageContext) boundary.Assessment {
	params := map[string]interface{}{
		"intensity":                 intensityDensity(content),
		"contextRisk":               contextRisk(mctx),
		"length":                    float64(utf8.RuneCountInString(content)),
		"intensityFlagThreshold":    g.cfg.IntensityFlagThreshold,
		"contextEmergencyThreshold": g.cfg.ContextEmergencyThreshold,
		"longMessageLength":         float64(g.cfg.LongMessageLength),
		"longMessageIntensity":      g.cfg.LongMessageIntensity,
	}

	out := boundary.Assessment{Level: boundary.LevelLow, Action: boundary.ActionAllow}
	for _, rule := range g.rules {
		res, err := rule.expr.Evaluate(params)
		if err != nil {
			// Classification must not fail; a broken rule is skipped.
			g.logger.Error().Err(err).Str("rule", rule.name).Msg("contextual rule evaluation failed")
			continue
		}
		matched, ok := res.(bool)
		if !ok || !matched {
			continue
		}
		out = boundary.Combine(out, boundary.Assessment{
			Level:      rule.level,
			Action:     rule.action,
			Categories: []string{rule.category},
		})
	}
	return out
}

// intensityDensity is the share of words found in the intensity lexicon.
func intensityDensity(content string) float64 {
	words := strings.Fields(strings.ToLower(content))
	if len(words) == 0 {
		return 0
	}
	hits := 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:'\"()")
		if _, ok := intensityLexicon[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

// contextRisk folds the session-side signals into a 0..1 score: off-hours
// sends, long-running sessions, and prior boundary violations.
func contextRisk(mctx MessageContext) float64 {
	risk := 0.0
	if mctx.HourOfDay < 6 || mctx.HourOfDay >= 22 {
		risk += 0.3
	}
	if mctx.PriorMessageCount > 50 {
		risk += 0.2
	}
	risk += 0.25 * float64(mctx.PriorViolationCount)
	if risk > 1.0 {
		risk = 1.0
	}
	return risk
}
