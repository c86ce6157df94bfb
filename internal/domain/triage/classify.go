package triage

// Policy holds the thresholds of the risk classifier.
type Policy struct {
	// HighIntensity is the inclusive intensity at which HIGH_INTENSITY fires.
	HighIntensity int
	// DeviationEnabled turns on the DEVIATION rule.
	DeviationEnabled bool
	// DeviationMargin is how far above the window mean an intensity must be.
	DeviationMargin float64
}

func DefaultPolicy() Policy {
	return Policy{
		HighIntensity:   8,
		DeviationMargin: 3,
	}
}

// Window summarises the events loaded for one patient. The DEVIATION rule
// compares against it, so the same event can classify differently under a
// different lookback.
type Window struct {
	Size          int
	MeanIntensity float64
}

// NewWindow computes the window over events, ignoring malformed ones.
func NewWindow(events []*LogEvent) Window {
	var w Window
	sum := 0
	for _, e := range events {
		if e.Validate() != nil {
			continue
		}
		sum += e.Intensity
		w.Size++
	}
	if w.Size > 0 {
		w.MeanIntensity = float64(sum) / float64(w.Size)
	}
	return w
}

// Classification is the classifier verdict for one event.
type Classification struct {
	RiskWorthy bool
	Reasons    ReasonSet
}

// Classify applies every rule to ev; any matching rule makes the event risk-worthy.
func (p Policy) Classify(ev *LogEvent, w Window) Classification {
	var reasons ReasonSet
	if ev.IsEmergency {
		reasons = reasons.With(ReasonEmergency)
	}
	if len(ev.DetectedKeywords) > 0 {
		reasons = reasons.With(ReasonKeywords)
	}
	if ev.Intensity >= p.HighIntensity {
		reasons = reasons.With(ReasonHighIntensity)
	}
	if p.DeviationEnabled && w.Size > 0 &&
		float64(ev.Intensity) >= w.MeanIntensity+p.DeviationMargin {
		reasons = reasons.With(ReasonDeviation)
	}
	return Classification{RiskWorthy: !reasons.Empty(), Reasons: reasons}
}

// SuggestRiskLevel pre-selects the risk level on the intervention form.
func SuggestRiskLevel(ev *LogEvent) RiskLevel {
	switch {
	case ev.IsEmergency:
		return RiskHigh
	case ev.Intensity >= 9:
		return RiskHigh
	case ev.Intensity >= 8:
		return RiskModerate
	case len(ev.DetectedKeywords) > 0:
		return RiskModerate
	default:
		return RiskLow
	}
}
