package domain

// =============================================================================
// Strategy Names
// =============================================================================

// StrategyName identifies a deployment strategy variant.
type StrategyName string

const (
	StrategyDirect    StrategyName = "direct"
	StrategyBlueGreen StrategyName = "blue-green"
	StrategyRolling   StrategyName = "rolling"
	StrategyCanary    StrategyName = "canary"
)

// Valid reports whether the name is a known strategy.
func (s StrategyName) Valid() bool {
	switch s {
	case StrategyDirect, StrategyBlueGreen, StrategyRolling, StrategyCanary:
		return true
	}
	return false
}

// =============================================================================
// Strategy Resolution
// =============================================================================

// Resolution is the outcome of matching a requested strategy against the
// target environment's capabilities.
type Resolution struct {
	Strategy   StrategyName
	Downgraded bool   // True when the request fell back to direct
	Reason     string // Human-readable downgrade reason, empty otherwise
}

// ResolveStrategy evaluates the static strategy/environment compatibility
// table. An empty or unknown request resolves to direct. Requests the
// environment cannot satisfy fall back to direct with a reason; direct itself
// is always valid.
func ResolveStrategy(requested StrategyName, env Environment) Resolution {
	switch requested {
	case StrategyBlueGreen:
		if env.HasLoadBalancer {
			return Resolution{Strategy: StrategyBlueGreen}
		}
		return Resolution{
			Strategy:   StrategyDirect,
			Downgraded: true,
			Reason:     "blue-green requires a load balancer",
		}
	case StrategyCanary:
		if env.Platform == PlatformKubernetes {
			return Resolution{Strategy: StrategyCanary}
		}
		return Resolution{
			Strategy:   StrategyDirect,
			Downgraded: true,
			Reason:     "canary requires a kubernetes platform",
		}
	case StrategyRolling:
		if env.Platform == PlatformDocker || env.Platform == PlatformKubernetes {
			return Resolution{Strategy: StrategyRolling}
		}
		return Resolution{
			Strategy:   StrategyDirect,
			Downgraded: true,
			Reason:     "rolling requires a container platform",
		}
	case StrategyDirect:
		return Resolution{Strategy: StrategyDirect}
	default:
		return Resolution{Strategy: StrategyDirect}
	}
}
