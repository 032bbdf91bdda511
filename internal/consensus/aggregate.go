package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/binance"
	"copytrade-signals/internal/database"
	"copytrade-signals/internal/derive"
)

// Contribution source labels.
const (
	SourcePositions = "positions"
	SourceDerived   = "derived"
)

// Store is the read surface the consensus queries run against.
type Store interface {
	GetLatestRawIngestPerLead(ctx context.Context) ([]*database.RawIngest, error)
	ListActivePositionStates(ctx context.Context, leadIDs []string) ([]*database.PositionState, error)
	TraderScoreMap(ctx context.Context) (map[string]*database.TraderScore, error)
	ListEvents(ctx context.Context, f database.EventFilter) ([]*database.TradeEvent, error)
}

// LeverageResolver fills in leverage for traders that hide their positions.
type LeverageResolver interface {
	Estimate(ctx context.Context, leadID string) (derive.LeverageEstimate, error)
}

// Contribution is one trader's stake in one symbol, normalized across the
// visible (live positions) and hidden (reconstructed state) paths.
type Contribution struct {
	LeadID            string     `json:"traderId"`
	Nickname          *string    `json:"nickname,omitempty"`
	Segment           string     `json:"segment"`
	Symbol            string     `json:"symbol"`
	Direction         string     `json:"direction"`
	Weight            float64    `json:"weight"`
	EntryPrice        float64    `json:"entryPrice"`
	MarkPrice         float64    `json:"markPrice,omitempty"`
	Leverage          float64    `json:"leverage"`
	LeverageEstimated bool       `json:"leverageEstimated,omitempty"`
	Amount            float64    `json:"amount"`
	UnrealizedPnL     float64    `json:"unrealizedPnl"`
	Notional          float64    `json:"notional"`
	OpenTime          *time.Time `json:"openTime,omitempty"`
	Confidence        *float64   `json:"confidence,omitempty"`
	Source            string     `json:"source"`
}

// Service answers the consensus query surface: heatmap, symbol detail,
// feed, and the latest-records rollup.
type Service struct {
	store    Store
	leverage LeverageResolver
	logger   zerolog.Logger
}

func NewService(store Store, leverage LeverageResolver, logger zerolog.Logger) *Service {
	return &Service{store: store, leverage: leverage, logger: logger}
}

// gather collects one contribution per (trader, symbol) across both
// segments, already narrowed by the segment, leverage, time-range, and
// recently-opened filters. Consensus math runs on what this returns.
func (s *Service) gather(ctx context.Context, f Filters, now time.Time) ([]Contribution, error) {
	scores, err := s.store.TraderScoreMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trader scores: %w", err)
	}
	ingests, err := s.store.GetLatestRawIngestPerLead(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest records: %w", err)
	}
	states, err := s.store.ListActivePositionStates(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load position states: %w", err)
	}
	stateByKey := make(map[string]*database.PositionState, len(states))
	statesByLead := make(map[string][]*database.PositionState)
	for _, st := range states {
		stateByKey[st.LeadID+"|"+st.Symbol+"|"+st.Direction] = st
		statesByLead[st.LeadID] = append(statesByLead[st.LeadID], st)
	}

	recentWindow, err := ParseRecentlyOpened(f.RecentlyOpened)
	if err != nil {
		return nil, err
	}
	cutoff := Cutoff(f.TimeRange, now)

	var out []Contribution
	admit := func(c Contribution) {
		if !LeverageInBucket(c.Leverage, f.LeverageBucket) {
			return
		}
		if c.OpenTime != nil && c.OpenTime.Before(cutoff) {
			return
		}
		if recentWindow > 0 {
			if c.OpenTime == nil || now.Sub(*c.OpenTime) > recentWindow {
				return
			}
		}
		out = append(out, c)
	}

	for _, ing := range ingests {
		score := scores[ing.LeadID]
		segment := database.SegmentUnknown
		weight := 0.0
		var nickname *string
		if score != nil {
			segment = score.Segment()
			weight = score.TraderWeight
			nickname = score.Nickname
		}
		if !SegmentAdmitted(segment, f.SegmentFilter) {
			continue
		}

		if segment == database.SegmentHidden {
			for _, st := range statesByLead[ing.LeadID] {
				c := Contribution{
					LeadID:     ing.LeadID,
					Nickname:   nickname,
					Segment:    segment,
					Symbol:     st.Symbol,
					Direction:  st.Direction,
					Weight:     weight,
					EntryPrice: st.EntryPrice,
					Amount:     st.Amount,
					Confidence: st.Confidence,
					Source:     SourceDerived,
				}
				open := st.OpenTimeEstimate()
				c.OpenTime = &open
				if st.Leverage != nil && *st.Leverage > 0 {
					c.Leverage = *st.Leverage
				} else if est, err := s.leverage.Estimate(ctx, ing.LeadID); err == nil {
					c.Leverage = est.Value
					c.LeverageEstimated = true
				}
				admit(c)
			}
			continue
		}

		// Visible and unknown-segment traders contribute live positions.
		positions := binance.PositionsFrom(payloadSection(ing.Payload, "activePositions"))
		seen := make(map[string]bool, len(positions))
		for _, p := range positions {
			if p.Symbol == "" || seen[p.Symbol] {
				continue
			}
			seen[p.Symbol] = true
			c := Contribution{
				LeadID:        ing.LeadID,
				Nickname:      nickname,
				Segment:       segment,
				Symbol:        p.Symbol,
				Direction:     liveDirection(p),
				Weight:        weight,
				EntryPrice:    p.EntryPrice,
				MarkPrice:     p.MarkPrice,
				Leverage:      p.Leverage,
				Amount:        p.Amount,
				UnrealizedPnL: p.UnrealizedPnL,
				Notional:      p.Notional,
				Source:        SourcePositions,
			}
			if st, ok := stateByKey[ing.LeadID+"|"+p.Symbol+"|"+c.Direction]; ok {
				open := st.OpenTimeEstimate()
				c.OpenTime = &open
			}
			admit(c)
		}
	}
	return out, nil
}

func liveDirection(p binance.Position) string {
	switch p.Side {
	case "LONG":
		return database.DirectionLong
	case "SHORT":
		return database.DirectionShort
	default:
		if p.Amount < 0 {
			return database.DirectionShort
		}
		return database.DirectionLong
	}
}

func payloadSection(payload map[string]interface{}, key string) interface{} {
	if payload == nil {
		return nil
	}
	return payload[key]
}

// stancesFor reduces contributions to one stance per trader per symbol.
func stancesFor(contribs []Contribution, symbol string) []Stance {
	var out []Stance
	seen := make(map[string]bool)
	for _, c := range contribs {
		if c.Symbol != symbol || seen[c.LeadID] {
			continue
		}
		seen[c.LeadID] = true
		out = append(out, Stance{LeadID: c.LeadID, Direction: c.Direction, Weight: c.Weight})
	}
	return out
}
