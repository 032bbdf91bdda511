package binance

import "time"

// RecordFromPayload re-hydrates a LeadRecord from a stored raw payload.
// Sub-payloads keep their decoded generic form where the record holds
// interface{}; typed sections go through the usual projections. Missing
// keys degrade to nil, matching a partially failed fetch.
func RecordFromPayload(leadID string, fetchedAt time.Time, payload map[string]interface{}) *LeadRecord {
	rec := &LeadRecord{
		LeadID:    leadID,
		FetchedAt: fetchedAt,
		TimeRange: pickString(payload, "timeRange"),
	}
	if f := SafeFloat(pick(payload, "startTime")); f != nil {
		rec.StartTime = int64(*f)
	}
	if f := SafeFloat(pick(payload, "endTime")); f != nil {
		rec.EndTime = int64(*f)
	}
	rec.LeadCommon = pick(payload, "leadCommon")
	rec.PortfolioDetail = pick(payload, "portfolioDetail")
	rec.ActivePositions = PositionsFrom(pick(payload, "activePositions"))
	rec.PositionAudit = AuditFrom(pick(payload, "positionAudit"))
	rec.RoiSeries = RoiSeriesFrom(pick(payload, "roiSeries"))
	rec.AssetPreferences = pick(payload, "assetPreferences")
	rec.PositionHistory = pick(payload, "positionHistory")
	if v := pick(payload, "orderHistory"); v != nil {
		orders := OrdersFrom(v)
		total := len(orders)
		if m, ok := v.(map[string]interface{}); ok {
			if f := SafeFloat(pick(m, "total")); f != nil {
				total = int(*f)
			}
		}
		rec.OrderHistory = &OrderHistory{Total: total, AllOrders: orders}
	}
	return rec
}
