package models

// Plan tiers. PlanGiftedSupporter is assigned manually by operators and is
// never overwritten by billing events.
const (
	PlanFree            = "free"
	PlanSupporter       = "supporter"
	PlanGiftedSupporter = "gifted_supporter"
)

// Tenant is the slice of the organization record this subsystem reads and
// writes: plan state for billing effects, team number for full syncs.
type Tenant struct {
	ID         string `json:"id"`
	TeamNumber *int   `json:"team_number,omitempty"`
	PlanTier   string `json:"plan_tier"`
}

// NormalizePlanTier maps unknown plan values to free.
func NormalizePlanTier(v string) string {
	switch v {
	case PlanSupporter, PlanGiftedSupporter:
		return v
	}
	return PlanFree
}

// EventSnapshot is the normalized provider data persisted by stage one of
// a full sync and read back by stats-only syncs.
type EventSnapshot struct {
	ResourceKey string `json:"resource_key"`
	Name        string `json:"name"`
	Year        int    `json:"year"`
	TeamNumbers []int  `json:"team_numbers"`
	MatchCount  int    `json:"match_count"`
}
