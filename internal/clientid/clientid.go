// Package clientid generates and parses broker client-order-ids in the
// format:
//
//	{strategy_id}-{SYMBOL}-{YYYYMMDDThhmmss}-{uuid8}[-v{ver}]
//
// ASCII, max 48 characters, slashes in symbols replaced with underscores. A
// leading "alch" component is a legacy marker that parses back as
// strategy_id = "unknown".
package clientid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxLength    = 48
	timeLayout   = "20060102T150405"
	legacyMarker = "alch"
	unknownID    = "unknown"
)

// Parsed is the decoded form of a client order id.
type Parsed struct {
	StrategyID string
	Symbol     string
	Timestamp  time.Time
	UUID8      string
	Version    int // 0 if no version suffix was present
}

// normalizeSymbol replaces slashes (e.g. crypto pairs like "BTC/USD") with
// underscores.
func normalizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}

// Generate builds a client order id for the given strategy/symbol/version.
// version == 0 omits the "-v{ver}" suffix. The uuid8 component is the first
// 8 hex characters of a fresh UUIDv4.
func Generate(strategyID, symbol string, version int) string {
	ts := time.Now().UTC().Format(timeLayout)
	uuid8 := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	sym := normalizeSymbol(symbol)

	id := fmt.Sprintf("%s-%s-%s-%s", strategyID, sym, ts, uuid8)
	if version > 0 {
		id = fmt.Sprintf("%s-v%d", id, version)
	}

	if len(id) > maxLength {
		id = id[:maxLength]
	}
	return id
}

// Parse decodes a client order id produced by Generate (or the legacy
// "alch"-prefixed format). It returns an error if the id does not have at
// least the strategy/symbol/timestamp/uuid8 components.
func Parse(clientOrderID string) (Parsed, error) {
	parts := strings.Split(clientOrderID, "-")
	if len(parts) < 4 {
		return Parsed{}, fmt.Errorf("clientid: malformed client order id %q", clientOrderID)
	}

	var version int
	last := parts[len(parts)-1]
	if strings.HasPrefix(last, "v") {
		if _, err := fmt.Sscanf(last, "v%d", &version); err == nil {
			parts = parts[:len(parts)-1]
		}
	}

	if len(parts) < 4 {
		return Parsed{}, fmt.Errorf("clientid: malformed client order id %q", clientOrderID)
	}

	uuid8 := parts[len(parts)-1]
	ts := parts[len(parts)-2]
	symbol := parts[len(parts)-3]
	strategyID := strings.Join(parts[:len(parts)-3], "-")

	if strategyID == legacyMarker {
		strategyID = unknownID
	}

	parsedTime, err := time.Parse(timeLayout, ts)
	if err != nil {
		return Parsed{}, fmt.Errorf("clientid: invalid timestamp component %q: %w", ts, err)
	}

	return Parsed{
		StrategyID: strategyID,
		Symbol:     symbol,
		Timestamp:  parsedTime,
		UUID8:      uuid8,
		Version:    version,
	}, nil
}
