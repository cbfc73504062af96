package clientid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateParseRoundTrip(t *testing.T) {
	cases := []struct {
		strategy string
		symbol   string
		version  int
	}{
		{"wtb", "AAPL", 0},
		{"almgren-chriss", "MSFT", 2},
		{"time-aware", "BTC/USD", 1},
	}

	for _, c := range cases {
		id := Generate(c.strategy, c.symbol, c.version)
		assert.LessOrEqual(t, len(id), maxLength)

		parsed, err := Parse(id)
		require.NoError(t, err)
		assert.Equal(t, c.strategy, parsed.StrategyID)
		assert.Equal(t, normalizeSymbol(c.symbol), parsed.Symbol)
		assert.Equal(t, c.version, parsed.Version)
		assert.Len(t, parsed.UUID8, 8)
	}
}

func TestParseLegacyAlchPrefix(t *testing.T) {
	id := Generate(legacyMarker, "AAPL", 0)
	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, unknownID, parsed.StrategyID)
}

func TestParseMalformedRejected(t *testing.T) {
	_, err := Parse("not-enough-parts")
	assert.Error(t, err)
}

func TestNormalizeSymbolReplacesSlash(t *testing.T) {
	assert.Equal(t, "BTC_USD", normalizeSymbol("BTC/USD"))
}
