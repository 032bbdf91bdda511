package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"copytrade-signals/internal/database"
)

func TestComputeBalancedBookIsNeutral(t *testing.T) {
	c := Compute("BTCUSDT", []Stance{
		{LeadID: "a", Direction: database.DirectionLong, Weight: 0.5},
		{LeadID: "b", Direction: database.DirectionShort, Weight: 0.5},
	})
	assert.Equal(t, 0.0, c.SentimentScore)
	assert.Equal(t, database.DirectionNeutral, c.Direction)
	assert.Equal(t, 0.0, c.ConfidenceScore)
	assert.Equal(t, 2, c.TotalTraders)
}

func TestComputeConfidenceSaturation(t *testing.T) {
	c := Compute("ETHUSDT", []Stance{
		{LeadID: "a", Direction: database.DirectionLong, Weight: 0.4},
		{LeadID: "b", Direction: database.DirectionLong, Weight: 0.4},
		{LeadID: "c", Direction: database.DirectionLong, Weight: 0.4},
	})
	assert.Equal(t, 1.0, c.SentimentScore)
	assert.Equal(t, 100.0, c.ConfidenceScore)
	assert.Equal(t, database.DirectionLong, c.Direction)
	assert.Equal(t, 3, c.LongCount)
	assert.Equal(t, 0, c.ShortCount)
}

func TestComputeEmptyBook(t *testing.T) {
	c := Compute("BTCUSDT", nil)
	assert.Equal(t, 0.0, c.SentimentScore)
	assert.Equal(t, database.DirectionNeutral, c.Direction)
	assert.Equal(t, 0.0, c.ConfidenceScore)
}

func TestComputeNeutralBandBoundary(t *testing.T) {
	// Slight long lean inside the band stays neutral.
	inside := Compute("X", []Stance{
		{LeadID: "a", Direction: database.DirectionLong, Weight: 0.52},
		{LeadID: "b", Direction: database.DirectionShort, Weight: 0.48},
	})
	assert.Equal(t, database.DirectionNeutral, inside.Direction)

	outside := Compute("X", []Stance{
		{LeadID: "a", Direction: database.DirectionLong, Weight: 0.6},
		{LeadID: "b", Direction: database.DirectionShort, Weight: 0.4},
	})
	assert.Equal(t, database.DirectionLong, outside.Direction)
}

func TestComputeInvariants(t *testing.T) {
	books := [][]Stance{
		nil,
		{{LeadID: "a", Direction: database.DirectionLong, Weight: 3}},
		{{LeadID: "a", Direction: database.DirectionShort, Weight: 0.01}},
		{
			{LeadID: "a", Direction: database.DirectionLong, Weight: 0.9},
			{LeadID: "b", Direction: database.DirectionShort, Weight: 0.1},
			{LeadID: "c", Direction: database.DirectionShort, Weight: 0.3},
		},
	}
	for _, book := range books {
		c := Compute("X", book)
		assert.GreaterOrEqual(t, c.SentimentScore, -1.0)
		assert.LessOrEqual(t, c.SentimentScore, 1.0)
		assert.GreaterOrEqual(t, c.ConfidenceScore, 0.0)
		assert.LessOrEqual(t, c.ConfidenceScore, 100.0)
		if c.Direction == database.DirectionNeutral {
			assert.LessOrEqual(t, c.SentimentScore, neutralBand)
			assert.GreaterOrEqual(t, c.SentimentScore, -neutralBand)
		}
	}
}

func TestComputeWeightCoverageDampensThinBooks(t *testing.T) {
	// One trader, tiny weight, fully long: sentiment is 1 but coverage
	// terms pull the confidence down hard.
	c := Compute("X", []Stance{{LeadID: "a", Direction: database.DirectionLong, Weight: 0.05}})
	assert.Equal(t, 1.0, c.SentimentScore)
	// traderCoverage = 1/3, weightCoverage = 0.05/0.5 = 0.1
	assert.Equal(t, 3.0, c.ConfidenceScore)
}
