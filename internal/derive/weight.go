package derive

// confidenceFactor discounts the base weight by how much trade history
// backs the quality score.
func confidenceFactor(confidence string) float64 {
	switch confidence {
	case ConfidenceHigh:
		return 1.0
	case ConfidenceMedium:
		return 0.7
	default:
		return 0.4
	}
}

// TraderWeight converts a trader's derived record into its consensus
// weight. Hidden or unknown-visibility traders are discounted to 0.6; the
// win-rate term scales the weight between 0.7x and 1.0x. Rounded to four
// decimals.
func TraderWeight(qualityScore float64, confidence string, winRate *float64, positionShow *bool) float64 {
	base := qualityScore / 100 * confidenceFactor(confidence)

	winAdj := 0.0
	if winRate != nil {
		winAdj = clamp(*winRate, 0, 1)
	}

	penalty := 0.6
	if positionShow != nil && *positionShow {
		penalty = 1.0
	}

	return round4(base * (0.7 + 0.3*winAdj) * penalty)
}
