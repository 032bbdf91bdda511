package binance

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// SafeFloat parses a numeric value that may arrive as a string, float64,
// int, or json.Number. Returns nil when the value is missing, unparseable,
// NaN, or infinite. Callers decide whether nil means zero.
func SafeFloat(v interface{}) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		if t == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Float is SafeFloat with nil collapsed to zero. Only use where the
// contract treats missing as zero (filters, weighted sums).
func Float(v interface{}) float64 {
	if f := SafeFloat(v); f != nil {
		return *f
	}
	return 0
}

// Position is a live position from the lead-data/positions endpoint.
type Position struct {
	Symbol         string   `json:"symbol"`
	Side           string   `json:"positionSide"` // LONG, SHORT, or BOTH
	Amount         float64  `json:"positionAmount"`
	EntryPrice     float64  `json:"entryPrice"`
	MarkPrice      float64  `json:"markPrice"`
	BreakEvenPrice float64  `json:"breakEvenPrice"`
	Notional       float64  `json:"notionalValue"`
	Leverage       float64  `json:"leverage"`
	Isolated       bool     `json:"isolated"`
	UnrealizedPnL  float64  `json:"unrealizedProfit"`
	CumRealized    float64  `json:"cumRealized"`
	AdlLevel       int      `json:"adl"`
	TotalPnL       *float64 `json:"totalPnl,omitempty"`
}

// OrderRecord is one row from the lead-portfolio/order-history endpoint.
type OrderRecord struct {
	Symbol       string   `json:"symbol"`
	Side         string   `json:"side"`         // BUY or SELL
	PositionSide string   `json:"positionSide"` // LONG, SHORT, or BOTH
	ExecutedQty  float64  `json:"executedQty"`
	AvgPrice     float64  `json:"avgPrice"`
	TotalPnL     *float64 `json:"totalPnl,omitempty"`
	OrderTime    int64    `json:"orderTime"`  // epoch ms
	UpdateTime   int64    `json:"updateTime"` // epoch ms
}

// OrderHistory wraps the order history page returned upstream.
type OrderHistory struct {
	Total     int           `json:"total"`
	AllOrders []OrderRecord `json:"allOrders"`
}

// RoiPoint is one sample of the ROI chart series.
type RoiPoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// PositionAudit records what the active-position filter kept and dropped.
// The nonZero counters are not mutually exclusive: a position contributes
// to each counter whose field is nonzero.
type PositionAudit struct {
	RawCount                     int `json:"rawCount"`
	FilteredActivePositionsCount int `json:"filteredActivePositionsCount"`
	NonZeroAmountCount           int `json:"nonZeroAmountCount"`
	NonZeroNotionalCount         int `json:"nonZeroNotionalCount"`
	NonZeroPnLCount              int `json:"nonZeroPnlCount"`
	DroppedBecauseAllZeroCount   int `json:"droppedBecauseAllZeroCount"`
}

// LeadRecord is the full per-trader scrape result. Sub-payloads that
// failed upstream are nil; the record itself is always produced.
type LeadRecord struct {
	LeadID           string         `json:"leadId"`
	FetchedAt        time.Time      `json:"fetchedAt"`
	TimeRange        string         `json:"timeRange"`
	StartTime        int64          `json:"startTime"`
	EndTime          int64          `json:"endTime"`
	LeadCommon       interface{}    `json:"leadCommon"`
	PortfolioDetail  interface{}    `json:"portfolioDetail"`
	ActivePositions  []Position     `json:"activePositions"`
	PositionAudit    *PositionAudit `json:"positionAudit,omitempty"`
	RoiSeries        []RoiPoint     `json:"roiSeries"`
	AssetPreferences interface{}    `json:"assetPreferences"`
	OrderHistory     *OrderHistory  `json:"orderHistory"`
	PositionHistory  interface{}    `json:"positionHistory,omitempty"`
	FetchErrors      []string       `json:"fetchErrors,omitempty"`
}

// pick returns the first present key from a decoded JSON object.
func pick(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func pickString(m map[string]interface{}, keys ...string) string {
	if v := pick(m, keys...); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// PositionFromMap projects one decoded position object into a Position.
func PositionFromMap(m map[string]interface{}) Position {
	isolated := false
	if b, ok := pick(m, "isolated").(bool); ok {
		isolated = b
	}
	adl := 0
	if f := SafeFloat(pick(m, "adl", "adlLevel")); f != nil {
		adl = int(*f)
	}
	return Position{
		Symbol:         pickString(m, "symbol"),
		Side:           strings.ToUpper(pickString(m, "positionSide", "side")),
		Amount:         Float(pick(m, "positionAmount", "positionAmt", "amount")),
		EntryPrice:     Float(pick(m, "entryPrice")),
		MarkPrice:      Float(pick(m, "markPrice")),
		BreakEvenPrice: Float(pick(m, "breakEvenPrice")),
		Notional:       Float(pick(m, "notionalValue", "notional")),
		Leverage:       Float(pick(m, "leverage")),
		Isolated:       isolated,
		UnrealizedPnL:  Float(pick(m, "unrealizedProfit", "unrealizedPnl")),
		CumRealized:    Float(pick(m, "cumRealized", "cumulativeRealized")),
		AdlLevel:       adl,
	}
}

// PositionsFrom projects a decoded activePositions payload into positions.
// Unknown shapes yield an empty slice rather than an error: ingest is
// intentionally schema-tolerant.
func PositionsFrom(v interface{}) []Position {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]Position, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, PositionFromMap(m))
	}
	return out
}

// OrderFromMap projects one decoded order object into an OrderRecord.
func OrderFromMap(m map[string]interface{}) OrderRecord {
	rec := OrderRecord{
		Symbol:       pickString(m, "symbol"),
		Side:         strings.ToUpper(pickString(m, "side")),
		PositionSide: strings.ToUpper(pickString(m, "positionSide")),
		ExecutedQty:  Float(pick(m, "executedQty", "executedQuantity")),
		AvgPrice:     Float(pick(m, "avgPrice", "averagePrice")),
		TotalPnL:     SafeFloat(pick(m, "totalPnl", "totalPnL")),
	}
	if f := SafeFloat(pick(m, "orderTime", "time")); f != nil {
		rec.OrderTime = int64(*f)
	}
	if f := SafeFloat(pick(m, "orderUpdateTime", "updateTime")); f != nil {
		rec.UpdateTime = int64(*f)
	}
	return rec
}

// OrdersFrom projects a decoded orderHistory payload ({total, allOrders})
// into its order records.
func OrdersFrom(v interface{}) []OrderRecord {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := pick(m, "allOrders", "orders").([]interface{})
	if !ok {
		return nil
	}
	out := make([]OrderRecord, 0, len(list))
	for _, item := range list {
		om, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, OrderFromMap(om))
	}
	return out
}

// RoiSeriesFrom projects a decoded ROI chart payload into points.
func RoiSeriesFrom(v interface{}) []RoiPoint {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]RoiPoint, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		p := RoiPoint{Value: Float(pick(m, "value", "roi"))}
		if f := SafeFloat(pick(m, "dateTime", "time", "date")); f != nil {
			p.Time = int64(*f)
		}
		out = append(out, p)
	}
	return out
}

// PositionShowFrom extracts the positionShow flag from a leadCommon or
// portfolioDetail payload. Returns nil when the flag was never observed.
func PositionShowFrom(v interface{}) *bool {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	if b, ok := pick(m, "positionShow").(bool); ok {
		return &b
	}
	return nil
}

// NicknameFrom extracts the display name from a leadCommon or
// portfolioDetail payload.
func NicknameFrom(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	return pickString(m, "nickname", "nickName", "name")
}

// AvatarFrom extracts the avatar URL from a leadCommon or portfolioDetail
// payload.
func AvatarFrom(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	return pickString(m, "avatarUrl", "avatar")
}

// AuditFrom projects a decoded positionAudit payload.
func AuditFrom(v interface{}) *PositionAudit {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	toInt := func(keys ...string) int {
		if f := SafeFloat(pick(m, keys...)); f != nil {
			return int(*f)
		}
		return 0
	}
	return &PositionAudit{
		RawCount:                     toInt("rawCount"),
		FilteredActivePositionsCount: toInt("filteredActivePositionsCount"),
		NonZeroAmountCount:           toInt("nonZeroAmountCount"),
		NonZeroNotionalCount:         toInt("nonZeroNotionalCount"),
		NonZeroPnLCount:              toInt("nonZeroPnlCount", "nonZeroPnLCount"),
		DroppedBecauseAllZeroCount:   toInt("droppedBecauseAllZeroCount"),
	}
}
