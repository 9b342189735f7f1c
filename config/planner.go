package config

// PlannerConfig tunes the planning cycle.
type PlannerConfig struct {
	// Priority is the tag applied to posted schedules.
	Priority int `json:"priority"`
	// LeadTimeMin is how many minutes before the horizon start the planner
	// job fires, leaving room for the solve.
	LeadTimeMin int `json:"lead_time_min"`
}

// SetDefaults applies sane defaults.
func (c *PlannerConfig) SetDefaults() {
	if c.Priority == 0 {
		c.Priority = 25
	}
	if c.LeadTimeMin == 0 {
		c.LeadTimeMin = 10
	}
}
