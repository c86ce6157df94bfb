package triage

// Score weights. Kept as coarse integers so a reviewer can add them up.
const (
	WeightEmergency      = 100
	WeightIntensity      = 40
	WeightKeywords       = 20
	WeightUnreviewed     = 15
	WeightNoIntervention = 10
)

// Score ranks a classified event; higher is more urgent. HIGH_INTENSITY and
// DEVIATION share one weight and do not stack.
func Score(ev *LogEvent, reasons ReasonSet, hasIntervention bool) int {
	score := 0
	if reasons.Has(ReasonEmergency) {
		score += WeightEmergency
	}
	if reasons.Has(ReasonHighIntensity) || reasons.Has(ReasonDeviation) {
		score += WeightIntensity
	}
	if reasons.Has(ReasonKeywords) {
		score += WeightKeywords
	}
	if !ev.Reviewed {
		score += WeightUnreviewed
	}
	if !hasIntervention {
		score += WeightNoIntervention
	}
	return score
}
