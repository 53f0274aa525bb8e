package degrade

// Feature names known to the degradation controller.
type Feature string

const (
	FeatureNotifications Feature = "notifications"
	FeatureRateLimiting  Feature = "rate_limiting"
	FeatureLogging       Feature = "logging"
	FeatureCaching       Feature = "caching"
	FeaturePushChannel   Feature = "push_channel"
)

// Strategy is one fallback behavior a feature applies under degradation.
type Strategy string

const (
	StrategyFull            Strategy = "full"
	StrategyReduceFrequency Strategy = "reduce_frequency"
	StrategyEssentialOnly   Strategy = "essential_only"
	StrategyLocalOnly       Strategy = "local_only"
	StrategyTighten         Strategy = "tighten"
	StrategyReduceVerbosity Strategy = "reduce_verbosity"
	StrategyErrorsOnly      Strategy = "errors_only"
	StrategyExtendTTL       Strategy = "extend_ttl"
	StrategyServeStale      Strategy = "serve_stale"
	StrategyDisable         Strategy = "disable"
)

type policyRule struct {
	min      Level
	strategy Strategy
}

// Each feature declares the levels that degrade it and an ordered list of
// fallback strategies. Rules are ascending by level; the last rule whose
// level is reached wins.
var featurePolicies = map[Feature][]policyRule{
	FeatureNotifications: {
		{LevelMinor, StrategyReduceFrequency},
		{LevelModerate, StrategyEssentialOnly},
		{LevelSevere, StrategyLocalOnly},
	},
	FeatureRateLimiting: {
		{LevelModerate, StrategyTighten},
	},
	FeatureLogging: {
		{LevelModerate, StrategyReduceVerbosity},
		{LevelCritical, StrategyErrorsOnly},
	},
	FeatureCaching: {
		{LevelModerate, StrategyExtendTTL},
		{LevelSevere, StrategyServeStale},
	},
	FeaturePushChannel: {
		{LevelCritical, StrategyDisable},
	},
}

// PolicyAt resolves the effective strategy for a feature at a level.
func PolicyAt(f Feature, l Level) Strategy {
	out := StrategyFull
	for _, r := range featurePolicies[f] {
		if l >= r.min {
			out = r.strategy
		}
	}
	return out
}

// StrategiesAt returns the ordered chain of strategies in effect for a
// feature at a level (all rules whose level is reached).
func StrategiesAt(f Feature, l Level) []Strategy {
	var out []Strategy
	for _, r := range featurePolicies[f] {
		if l >= r.min {
			out = append(out, r.strategy)
		}
	}
	return out
}

// Policy resolves a feature's strategy at the controller's current level.
func (c *Controller) Policy(f Feature) Strategy {
	return PolicyAt(f, c.Level())
}
