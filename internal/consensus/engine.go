package consensus

import (
	"math"

	"copytrade-signals/internal/database"
)

// neutralBand is the sentiment region that maps to a neutral direction.
const neutralBand = 0.05

// epsilon guards the sentiment division when both sides are empty.
const epsilon = 1e-9

// Consensus is the weighted per-symbol aggregation of trader stances.
type Consensus struct {
	Symbol          string  `json:"symbol"`
	LongCount       int     `json:"longCount"`
	ShortCount      int     `json:"shortCount"`
	TotalTraders    int     `json:"totalTraders"`
	LongWeight      float64 `json:"longWeight"`
	ShortWeight     float64 `json:"shortWeight"`
	SentimentScore  float64 `json:"sentimentScore"`
	ConfidenceScore float64 `json:"confidenceScore"`
	Direction       string  `json:"consensusDirection"`
}

// Stance is one trader's current position on a symbol.
type Stance struct {
	LeadID    string
	Direction string
	Weight    float64
}

// Compute aggregates stances into the consensus record. Sentiment is the
// weight imbalance in [-1, +1]; confidence discounts it by how many
// traders and how much weight stand behind it.
func Compute(symbol string, stances []Stance) Consensus {
	c := Consensus{Symbol: symbol, Direction: database.DirectionNeutral}

	for _, s := range stances {
		switch s.Direction {
		case database.DirectionLong:
			c.LongCount++
			c.LongWeight += s.Weight
		case database.DirectionShort:
			c.ShortCount++
			c.ShortWeight += s.Weight
		}
	}
	c.TotalTraders = c.LongCount + c.ShortCount

	sum := c.LongWeight + c.ShortWeight
	if sum > 0 {
		c.SentimentScore = (c.LongWeight - c.ShortWeight) / math.Max(sum, epsilon)
	}

	traderCoverage := math.Min(float64(c.TotalTraders)/3, 1)
	weightCoverage := math.Min(sum/0.5, 1)
	c.ConfidenceScore = math.Round(math.Abs(c.SentimentScore) * traderCoverage * weightCoverage * 100)

	switch {
	case c.SentimentScore > neutralBand:
		c.Direction = database.DirectionLong
	case c.SentimentScore < -neutralBand:
		c.Direction = database.DirectionShort
	}
	return c
}
