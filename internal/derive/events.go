package derive

import (
	"time"

	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/database"
)

// EventKindFor maps an order's (side, positionSide) pair onto a normalized
// event kind. Hedge-mode pairs map directly; one-way mode (positionSide
// BOTH) is inferred from realized PnL: a nonzero PnL means the order closed
// the opposite of its side, a zero or missing PnL means it opened in the
// side direction. Unknown combinations return "".
func EventKindFor(order binance.OrderRecord) string {
	switch {
	case order.Side == "BUY" && order.PositionSide == "LONG":
		return database.EventOpenLong
	case order.Side == "SELL" && order.PositionSide == "LONG":
		return database.EventCloseLong
	case order.Side == "SELL" && order.PositionSide == "SHORT":
		return database.EventOpenShort
	case order.Side == "BUY" && order.PositionSide == "SHORT":
		return database.EventCloseShort
	case order.PositionSide == "BOTH":
		closing := order.TotalPnL != nil && *order.TotalPnL != 0
		if order.Side == "BUY" {
			if closing {
				return database.EventCloseShort
			}
			return database.EventOpenLong
		}
		if order.Side == "SELL" {
			if closing {
				return database.EventCloseLong
			}
			return database.EventOpenShort
		}
	}
	return ""
}

// EventsFromOrders normalizes a lead's order history into trade events.
// Orders without a symbol or a recognizable kind are skipped.
func EventsFromOrders(leadID string, orders []binance.OrderRecord, fetchedAt time.Time) []*database.TradeEvent {
	out := make([]*database.TradeEvent, 0, len(orders))
	for _, o := range orders {
		if o.Symbol == "" {
			continue
		}
		kind := EventKindFor(o)
		if kind == "" {
			continue
		}
		e := &database.TradeEvent{
			LeadID:    leadID,
			Symbol:    o.Symbol,
			Kind:      kind,
			FetchedAt: fetchedAt,
			Price:     o.AvgPrice,
			Amount:    o.ExecutedQty,
		}
		if o.TotalPnL != nil {
			e.RealizedPnL = *o.TotalPnL
		}
		if o.OrderTime > 0 {
			t := time.UnixMilli(o.OrderTime).UTC()
			e.EventTime = &t
		}
		out = append(out, e)
	}
	return out
}
