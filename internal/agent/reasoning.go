package agent

import "strings"

// ReasoningLevel controls how much reflection is injected between tool
// rounds.
type ReasoningLevel int

const (
	ReasoningNone ReasoningLevel = iota
	ReasoningLight
	ReasoningMedium
	ReasoningFull
)

func (l ReasoningLevel) String() string {
	switch l {
	case ReasoningNone:
		return "none"
	case ReasoningLight:
		return "light"
	case ReasoningMedium:
		return "medium"
	case ReasoningFull:
		return "full"
	}
	return "unknown"
}

// ParseReasoningLevel maps a role-card string to a level. Unknown
// values default to medium.
func ParseReasoningLevel(s string) ReasoningLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return ReasoningNone
	case "light":
		return ReasoningLight
	case "full":
		return ReasoningFull
	default:
		return ReasoningMedium
	}
}

// ComplexityTier buckets a turn by how demanding it looks.
type ComplexityTier int

const (
	TierSimple ComplexityTier = iota
	TierStandard
	TierComplex
)

// classifyComplexity is a cheap heuristic over the inbound text: short
// single-clause messages are simple, long or multi-question ones complex.
func classifyComplexity(content string) ComplexityTier {
	words := len(strings.Fields(content))
	questions := strings.Count(content, "?")
	switch {
	case words <= 12 && questions <= 1:
		return TierSimple
	case words > 80 || questions > 2 || strings.Contains(content, "\n- "):
		return TierComplex
	default:
		return TierStandard
	}
}

// effectiveLevel shifts the configured level one step down for simple
// turns and one step up for complex ones, bounded at none and full.
func effectiveLevel(base ReasoningLevel, tier ComplexityTier) ReasoningLevel {
	level := base
	switch tier {
	case TierSimple:
		level--
	case TierComplex:
		level++
	}
	if level < ReasoningNone {
		level = ReasoningNone
	}
	if level > ReasoningFull {
		level = ReasoningFull
	}
	return level
}

// reasoningConfig is the per-bot reflection policy from the role card.
type reasoningConfig struct {
	base      ReasoningLevel
	alwaysCoT map[string]bool
	neverCoT  map[string]bool
}

func newReasoningConfig(level string, alwaysCoT, neverCoT []string) reasoningConfig {
	cfg := reasoningConfig{
		base:      ParseReasoningLevel(level),
		alwaysCoT: make(map[string]bool, len(alwaysCoT)),
		neverCoT:  make(map[string]bool, len(neverCoT)),
	}
	for _, t := range alwaysCoT {
		cfg.alwaysCoT[t] = true
	}
	for _, t := range neverCoT {
		cfg.neverCoT[t] = true
	}
	return cfg
}

// shouldReflect decides whether to inject a reflection instruction
// after a result from the named tool.
func (c reasoningConfig) shouldReflect(tool string, tier ComplexityTier) bool {
	if c.alwaysCoT[tool] {
		return true
	}
	if c.neverCoT[tool] {
		return false
	}
	switch effectiveLevel(c.base, tier) {
	case ReasoningFull:
		return true
	case ReasoningMedium:
		return tier != TierSimple
	case ReasoningLight:
		return tier == TierComplex
	default:
		return false
	}
}

const reflectionPrompt = "Before responding, briefly check the tool result against the original request: does it answer the question, and is anything missing or contradictory? Then continue."
