package insights

// Preset mode labels.
const (
	ModeConservative = "conservative"
	ModeBalanced     = "balanced"
	ModeAggressive   = "aggressive"
)

// Preset is one tuned set of anomaly and risk thresholds.
type Preset struct {
	CrowdedMinTraders      int     `json:"crowdedMinTraders"`
	CrowdedMinConfidence   float64 `json:"crowdedMinConfidence"`
	CrowdedMinSentimentAbs float64 `json:"crowdedMinSentimentAbs"`
	LowConfidenceLimit     float64 `json:"lowConfidenceLimit"`
	HighLeverage           float64 `json:"highLeverage"`
	ExtremeLeverage        float64 `json:"extremeLeverage"`
	UnstableFlips          int     `json:"unstableFlips"`
	FlipClusterFlips       int     `json:"flipClusterFlips"`
	ScoreMultiplier        float64 `json:"scoreMultiplier"`
}

// DefaultPresets returns the three built-in threshold bundles. The
// conservative preset flags earlier and weighs anomalies heavier; the
// aggressive one tolerates more heat before raising anything.
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		ModeConservative: {
			CrowdedMinTraders:      3,
			CrowdedMinConfidence:   60,
			CrowdedMinSentimentAbs: 50,
			LowConfidenceLimit:     35,
			HighLeverage:           30,
			ExtremeLeverage:        60,
			UnstableFlips:          2,
			FlipClusterFlips:       4,
			ScoreMultiplier:        1.25,
		},
		ModeBalanced: {
			CrowdedMinTraders:      3,
			CrowdedMinConfidence:   50,
			CrowdedMinSentimentAbs: 40,
			LowConfidenceLimit:     30,
			HighLeverage:           40,
			ExtremeLeverage:        75,
			UnstableFlips:          3,
			FlipClusterFlips:       5,
			ScoreMultiplier:        1.0,
		},
		ModeAggressive: {
			CrowdedMinTraders:      4,
			CrowdedMinConfidence:   40,
			CrowdedMinSentimentAbs: 30,
			LowConfidenceLimit:     25,
			HighLeverage:           50,
			ExtremeLeverage:        100,
			UnstableFlips:          4,
			FlipClusterFlips:       6,
			ScoreMultiplier:        0.8,
		},
	}
}

// Sanitize clamps every threshold element-wise into its legal range, so a
// stored or user-supplied preset can never push the engine into
// nonsensical territory.
func (p Preset) Sanitize() Preset {
	p.CrowdedMinTraders = clampInt(p.CrowdedMinTraders, 2, 20)
	p.CrowdedMinConfidence = clampFloat(p.CrowdedMinConfidence, 0, 100)
	p.CrowdedMinSentimentAbs = clampFloat(p.CrowdedMinSentimentAbs, 0, 100)
	p.LowConfidenceLimit = clampFloat(p.LowConfidenceLimit, 0, 100)
	p.HighLeverage = clampFloat(p.HighLeverage, 10, 150)
	p.ExtremeLeverage = clampFloat(p.ExtremeLeverage, 20, 250)
	if p.ExtremeLeverage < p.HighLeverage {
		p.ExtremeLeverage = p.HighLeverage
	}
	p.UnstableFlips = clampInt(p.UnstableFlips, 1, 20)
	p.FlipClusterFlips = clampInt(p.FlipClusterFlips, 2, 40)
	if p.FlipClusterFlips < p.UnstableFlips {
		p.FlipClusterFlips = p.UnstableFlips
	}
	p.ScoreMultiplier = clampFloat(p.ScoreMultiplier, 0.5, 2)
	return p
}

// PresetFor picks the preset for a mode, falling back to balanced.
func PresetFor(presets map[string]Preset, mode string) Preset {
	if p, ok := presets[mode]; ok {
		return p.Sanitize()
	}
	if p, ok := presets[ModeBalanced]; ok {
		return p.Sanitize()
	}
	return DefaultPresets()[ModeBalanced]
}

// PresetsFromDocument decodes presets stored as an opaque JSON document,
// layering stored values over the defaults.
func PresetsFromDocument(doc map[string]interface{}) map[string]Preset {
	out := DefaultPresets()
	for mode, raw := range doc {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		p, exists := out[mode]
		if !exists {
			continue
		}
		if v, ok := numberField(m, "crowdedMinTraders"); ok {
			p.CrowdedMinTraders = int(v)
		}
		if v, ok := numberField(m, "crowdedMinConfidence"); ok {
			p.CrowdedMinConfidence = v
		}
		if v, ok := numberField(m, "crowdedMinSentimentAbs"); ok {
			p.CrowdedMinSentimentAbs = v
		}
		if v, ok := numberField(m, "lowConfidenceLimit"); ok {
			p.LowConfidenceLimit = v
		}
		if v, ok := numberField(m, "highLeverage"); ok {
			p.HighLeverage = v
		}
		if v, ok := numberField(m, "extremeLeverage"); ok {
			p.ExtremeLeverage = v
		}
		if v, ok := numberField(m, "unstableFlips"); ok {
			p.UnstableFlips = int(v)
		}
		if v, ok := numberField(m, "flipClusterFlips"); ok {
			p.FlipClusterFlips = int(v)
		}
		if v, ok := numberField(m, "scoreMultiplier"); ok {
			p.ScoreMultiplier = v
		}
		out[mode] = p.Sanitize()
	}
	return out
}

// PresetsToDocument encodes presets into the opaque storage form.
func PresetsToDocument(presets map[string]Preset) map[string]interface{} {
	out := make(map[string]interface{}, len(presets))
	for mode, p := range presets {
		out[mode] = map[string]interface{}{
			"crowdedMinTraders":      p.CrowdedMinTraders,
			"crowdedMinConfidence":   p.CrowdedMinConfidence,
			"crowdedMinSentimentAbs": p.CrowdedMinSentimentAbs,
			"lowConfidenceLimit":     p.LowConfidenceLimit,
			"highLeverage":           p.HighLeverage,
			"extremeLeverage":        p.ExtremeLeverage,
			"unstableFlips":          p.UnstableFlips,
			"flipClusterFlips":       p.FlipClusterFlips,
			"scoreMultiplier":        p.ScoreMultiplier,
		}
	}
	return out
}

func numberField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
