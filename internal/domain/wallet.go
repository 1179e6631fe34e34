package domain

import "time"

// ActorRole is the purpose an actor is reserved for.
type ActorRole string

const (
	RoleTrading      ActorRole = "trading"
	RoleAccumulation ActorRole = "accumulation"
	RoleDistribution ActorRole = "distribution"
	RoleTreasury     ActorRole = "treasury"
)

// ActorHealth is the failure-driven health state of an actor.
type ActorHealth string

const (
	HealthHealthy   ActorHealth = "healthy"
	HealthDegraded  ActorHealth = "degraded"
	HealthUnhealthy ActorHealth = "unhealthy"
	HealthDisabled  ActorHealth = "disabled"
)

// Rank orders health for selection; lower is better.
func (h ActorHealth) Rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	case HealthUnhealthy:
		return 2
	default:
		return 3
	}
}

// Actor is a signing identity with its own balance and health. It never
// carries key material.
type Actor struct {
	Address        string      `json:"address"`
	Role           ActorRole   `json:"role"`
	Health         ActorHealth `json:"health"`
	Balance        float64     `json:"balance"`
	Exposure       float64     `json:"exposure"`
	RecentFailures int         `json:"recent_failures"`
	LastUsed       time.Time   `json:"last_used"`
	LastSuccess    time.Time   `json:"last_success"`
	TradeCount     int64       `json:"trade_count"`
	Label          string      `json:"label"`
}

// SelectionStrategy chooses among eligible actors.
type SelectionStrategy string

const (
	SelectRoundRobin  SelectionStrategy = "round_robin"
	SelectWeighted    SelectionStrategy = "weighted"
	SelectRandom      SelectionStrategy = "random"
	SelectHealthBased SelectionStrategy = "health_based"
)

// ActorSnapshot is a persisted point-in-time view of an actor.
type ActorSnapshot struct {
	Address  string
	Balance  float64
	Exposure float64
	Health   ActorHealth
	TakenAt  time.Time
}
