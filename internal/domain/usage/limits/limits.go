// Package limits maps models to context window sizes and grades usage
// against them.
package limits

// Tier is a context window size class.
type Tier string

// Known tiers.
const (
	Tier128K Tier = "128k"
	Tier1M   Tier = "1M"
	Tier2M   Tier = "2M"
)

// Level grades usage against a limit.
type Level string

// Usage levels.
const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Thresholds in percent of the context window.
const (
	WarningPercent  = 75.0
	CriticalPercent = 90.0
)

// DefaultModel is the plan key used when the model is unknown.
const DefaultModel = "default"

// Limit is the context window of a model plan.
type Limit struct {
	tier      Tier
	maxTokens int
}

var plans = map[string]Limit{
	"gemini-1.5-flash": {tier: Tier1M, maxTokens: 1048576},
	"gemini-1.5-pro":   {tier: Tier2M, maxTokens: 2097152},
	DefaultModel:       {tier: Tier128K, maxTokens: 131072},
}

// ForModel returns the plan limit of model, or the default plan.
func ForModel(model string) Limit {
	if l, ok := plans[model]; ok {
		return l
	}
	return plans[DefaultModel]
}

// Tier returns the window size class.
func (l Limit) Tier() Tier { return l.tier }

// MaxTokens returns the window size in tokens.
func (l Limit) MaxTokens() int { return l.maxTokens }

// Percent returns total as a share of the window, clamped to [0, 100].
func (l Limit) Percent(total int) float64 {
	if l.maxTokens <= 0 || total <= 0 {
		return 0
	}
	p := float64(total) / float64(l.maxTokens) * 100
	if p > 100 {
		return 100
	}
	return p
}

// Level grades total against the warning and critical thresholds.
func (l Limit) Level(total int) Level {
	p := l.Percent(total)
	switch {
	case p > CriticalPercent:
		return LevelCritical
	case p > WarningPercent:
		return LevelWarning
	default:
		return LevelOK
	}
}

// Severity orders levels; higher is worse.
func (lv Level) Severity() int {
	switch lv {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}
