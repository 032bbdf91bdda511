package simulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"copytrade-signals/internal/consensus"
	"copytrade-signals/internal/database"
)

// ConsensusSource supplies the live per-symbol aggregation.
type ConsensusSource interface {
	Heatmap(ctx context.Context, f consensus.Filters) ([]consensus.HeatmapCell, error)
}

// Candidate is one symbol that cleared the rule thresholds.
type Candidate struct {
	Symbol          string  `json:"symbol"`
	Direction       string  `json:"direction"`
	Traders         int     `json:"traders"`
	ConfidenceScore float64 `json:"confidenceScore"`
	SentimentScore  float64 `json:"sentimentScore"`
}

// PassResult reports everything one auto-trigger pass did (or, in dry-run
// mode, would have done).
type PassResult struct {
	DryRun     bool                          `json:"dryRun"`
	RanAt      time.Time                     `json:"ranAt"`
	Reconciled []*database.SimulatedPosition `json:"reconciled"`
	Candidates []Candidate                   `json:"candidates"`
	Reversed   []*database.SimulatedPosition `json:"reversed"`
	Cooldowns  []string                      `json:"cooldownSkipped"`
	Opened     []*database.SimulatedPosition `json:"opened"`
	Errors     []string                      `json:"errors,omitempty"`
}

// AutoTrigger turns consensus into paper trades. One pass runs reconcile,
// candidate selection, reversal, cooldown filtering, and opening, in that
// order; passes for the same rule are serialized.
type AutoTrigger struct {
	sim       *Service
	store     Store
	consensus ConsensusSource
	logger    zerolog.Logger

	locks sync.Map // ruleID -> *sync.Mutex
}

func NewAutoTrigger(sim *Service, store Store, cons ConsensusSource, logger zerolog.Logger) *AutoTrigger {
	return &AutoTrigger{sim: sim, store: store, consensus: cons, logger: logger}
}

func (a *AutoTrigger) lockFor(ruleID string) *sync.Mutex {
	mu, _ := a.locks.LoadOrStore(ruleID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RunPass executes one full pass under the named rule. Dry-run computes
// the same decision set without mutating anything; commit runs advance
// the rule's lastRunAt.
func (a *AutoTrigger) RunPass(ctx context.Context, ruleID string, dryRun bool) (*PassResult, error) {
	mu := a.lockFor(ruleID)
	mu.Lock()
	defer mu.Unlock()

	rule, err := a.store.GetAutoTriggerRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("load rule: %w", err)
	}

	result := &PassResult{DryRun: dryRun, RanAt: time.Now().UTC()}

	if err := a.reconcile(ctx, dryRun, result); err != nil {
		return nil, err
	}

	cells, err := a.consensus.Heatmap(ctx, consensus.Filters{
		TimeRange:     rule.TimeRange,
		SegmentFilter: rule.SegmentFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("compute consensus: %w", err)
	}
	result.Candidates = selectCandidates(cells, rule)

	openAuto, err := a.sim.List(ctx, database.SimPositionFilter{
		Status: database.SimStatusOpen,
		Source: database.SimSourceAuto,
	})
	if err != nil {
		return nil, err
	}
	openBySymbol := make(map[string]*database.SimulatedPosition, len(openAuto))
	for _, p := range openAuto {
		openBySymbol[p.Symbol] = p
	}

	for _, cand := range result.Candidates {
		if open, ok := openBySymbol[cand.Symbol]; ok {
			if open.Direction == cand.Direction {
				continue // already positioned the right way
			}
			if dryRun {
				result.Reversed = append(result.Reversed, open)
			} else {
				closed, err := a.sim.Close(ctx, open.ID, 0, CloseOptions{
					Reason: database.CloseReasonAutoReverse,
				})
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("reverse %s: %v", cand.Symbol, err))
					continue
				}
				result.Reversed = append(result.Reversed, closed)
				delete(openBySymbol, cand.Symbol)
			}
		}

		if a.inCooldown(ctx, cand.Symbol, rule) {
			result.Cooldowns = append(result.Cooldowns, cand.Symbol)
			continue
		}
		if _, stillOpen := openBySymbol[cand.Symbol]; stillOpen && !dryRun {
			continue
		}

		if dryRun {
			result.Opened = append(result.Opened, &database.SimulatedPosition{
				Symbol:         cand.Symbol,
				Direction:      cand.Direction,
				Leverage:       rule.Leverage,
				MarginNotional: rule.MarginNotional,
				Source:         database.SimSourceAuto,
			})
			continue
		}
		opened, err := a.sim.Open(ctx, OpenRequest{
			Symbol:         cand.Symbol,
			Direction:      cand.Direction,
			Leverage:       rule.Leverage,
			MarginNotional: rule.MarginNotional,
			Source:         database.SimSourceAuto,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("open %s: %v", cand.Symbol, err))
			continue
		}
		result.Opened = append(result.Opened, opened)
	}

	if !dryRun {
		if err := a.store.SetAutoTriggerLastRun(ctx, rule.ID, result.RanAt); err != nil {
			return nil, fmt.Errorf("advance lastRunAt: %w", err)
		}
	}
	a.logger.Info().
		Bool("dry_run", dryRun).
		Int("candidates", len(result.Candidates)).
		Int("reversed", len(result.Reversed)).
		Int("opened", len(result.Opened)).
		Int("reconciled", len(result.Reconciled)).
		Msg("auto-trigger pass complete")
	return result, nil
}

// Reconcile closes every open AUTO position whose lead traders have
// since closed the same trade. Exposed standalone; the pass runs it as
// its first step. Running it twice back-to-back closes nothing new.
func (a *AutoTrigger) Reconcile(ctx context.Context, dryRun bool) (*PassResult, error) {
	result := &PassResult{DryRun: dryRun, RanAt: time.Now().UTC()}
	if err := a.reconcile(ctx, dryRun, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (a *AutoTrigger) reconcile(ctx context.Context, dryRun bool, result *PassResult) error {
	open, err := a.sim.List(ctx, database.SimPositionFilter{
		Status: database.SimStatusOpen,
		Source: database.SimSourceAuto,
	})
	if err != nil {
		return fmt.Errorf("list open auto positions: %w", err)
	}

	for _, pos := range open {
		kind := database.CloseKindFor(pos.Direction)
		event, err := a.store.FirstCloseEventAfter(ctx, pos.Symbol, kind, pos.OpenedAt)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("find close event for %s: %w", pos.Symbol, err)
		}

		price := event.Price
		if price <= 0 {
			price = pos.EntryPrice
		}
		if dryRun {
			result.Reconciled = append(result.Reconciled, pos)
			continue
		}
		closedAt := event.FetchedAt
		if event.EventTime != nil {
			closedAt = *event.EventTime
		}
		closed, err := a.sim.Close(ctx, pos.ID, price, CloseOptions{
			Reason:       database.CloseReasonFirstTraderClose,
			TriggerLead:  event.LeadID,
			TriggerEvent: event.Kind,
			ClosedAt:     closedAt,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reconcile %s: %v", pos.Symbol, err))
			continue
		}
		result.Reconciled = append(result.Reconciled, closed)
	}
	return nil
}

// selectCandidates applies the rule thresholds to the live consensus.
func selectCandidates(cells []consensus.HeatmapCell, rule *database.AutoTriggerRule) []Candidate {
	var out []Candidate
	for _, cell := range cells {
		if cell.Direction == database.DirectionNeutral {
			continue
		}
		directional := cell.LongCount
		if cell.Direction == database.DirectionShort {
			directional = cell.ShortCount
		}
		if directional < rule.MinTraders {
			continue
		}
		if cell.ConfidenceScore < rule.MinConfidence {
			continue
		}
		if math.Abs(cell.SentimentScore)*100 < rule.MinSentimentAbs {
			continue
		}
		out = append(out, Candidate{
			Symbol:          cell.Symbol,
			Direction:       cell.Direction,
			Traders:         directional,
			ConfidenceScore: cell.ConfidenceScore,
			SentimentScore:  cell.SentimentScore,
		})
	}
	return out
}

// inCooldown reports whether the symbol's most recent AUTO position
// opened too recently for another entry.
func (a *AutoTrigger) inCooldown(ctx context.Context, symbol string, rule *database.AutoTriggerRule) bool {
	if rule.CooldownMinutes <= 0 {
		return false
	}
	last, err := a.store.LatestAutoPositionForSymbol(ctx, symbol)
	if errors.Is(err, database.ErrNotFound) {
		return false
	}
	if err != nil {
		a.logger.Warn().Str("symbol", symbol).Err(err).Msg("cooldown lookup failed, skipping symbol")
		return true
	}
	return time.Since(last.OpenedAt) < time.Duration(rule.CooldownMinutes)*time.Minute
}
