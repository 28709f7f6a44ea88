// Package billing derives account entitlements from the subscription tier
// and enforces usage caps on the booking path.
package billing

// Limits are the entitlements a tier grants. Keep this small and stable:
// enforcement on the booking path relies on these numbers.
type Limits struct {
	Tier                   string `json:"tier"`
	MaxMonthlyAppointments int    `json:"max_monthly_appointments"`
	MaxActiveSeries        int    `json:"max_active_series"`
}

func LimitsForTier(tier string) Limits {
	switch tier {
	case "starter":
		return Limits{
			Tier:                   "starter",
			MaxMonthlyAppointments: 200,
			MaxActiveSeries:        20,
		}
	case "pro":
		return Limits{
			Tier:                   "pro",
			MaxMonthlyAppointments: 2000,
			MaxActiveSeries:        500,
		}
	default:
		return Limits{
			Tier:                   "free",
			MaxMonthlyAppointments: 50,
			MaxActiveSeries:        5,
		}
	}
}
