package binance

// FilterActivePositions keeps positions that have a nonzero amount,
// notional, or unrealized PnL. The audit counts each nonzero contributor
// independently; rows failing all three are counted as dropped.
func FilterActivePositions(positions []Position) ([]Position, PositionAudit) {
	audit := PositionAudit{RawCount: len(positions)}
	active := make([]Position, 0, len(positions))

	for _, p := range positions {
		nonZeroAmount := p.Amount != 0
		nonZeroNotional := p.Notional != 0
		nonZeroPnL := p.UnrealizedPnL != 0

		if nonZeroAmount {
			audit.NonZeroAmountCount++
		}
		if nonZeroNotional {
			audit.NonZeroNotionalCount++
		}
		if nonZeroPnL {
			audit.NonZeroPnLCount++
		}

		if nonZeroAmount || nonZeroNotional || nonZeroPnL {
			active = append(active, p)
		} else {
			audit.DroppedBecauseAllZeroCount++
		}
	}

	audit.FilteredActivePositionsCount = len(active)
	return active, audit
}
