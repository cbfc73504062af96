package timeaware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalance_core/internal/models"
)

// et builds an exchange-local timestamp on Wed 2026-03-04, a regular
// full-session trading day.
func et(hour, min int) time.Time {
	return time.Date(2026, 3, 4, hour, min, 0, 0, exchangeLocation)
}

func TestDetectPhaseRegularSession(t *testing.T) {
	cases := []struct {
		at   time.Time
		want string
	}{
		{et(9, 0), "MARKET_CLOSED"},
		{et(9, 30), "OPEN_AVOIDANCE"},
		{et(10, 29), "OPEN_AVOIDANCE"},
		{et(10, 30), "PASSIVE_ACCUMULATION"},
		{et(14, 29), "PASSIVE_ACCUMULATION"},
		{et(14, 30), "URGENCY_RAMP"},
		{et(15, 30), "DEADLINE_CLOSE"},
		{et(15, 59), "DEADLINE_CLOSE"},
		{et(16, 0), "MARKET_CLOSED"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DetectPhase(c.at), "at %s", c.at.Format("15:04"))
	}
}

func TestDetectPhaseWeekendIsClosed(t *testing.T) {
	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, exchangeLocation)
	assert.Equal(t, "MARKET_CLOSED", DetectPhase(saturday))
}

func TestDetectPhaseEarlyCloseCompressesSession(t *testing.T) {
	// Christmas Eve 2026 falls on a Thursday.
	christmasEve := time.Date(2026, 12, 24, 12, 45, 0, 0, exchangeLocation)
	require.True(t, IsEarlyClose(christmasEve))
	assert.Equal(t, "DEADLINE_CLOSE", DetectPhase(christmasEve))

	afterEarlyClose := time.Date(2026, 12, 24, 13, 30, 0, 0, exchangeLocation)
	assert.Equal(t, "MARKET_CLOSED", DetectPhase(afterEarlyClose))
}

func TestSessionProgressBounds(t *testing.T) {
	assert.Equal(t, 0.0, SessionProgress(et(9, 30)))
	assert.Equal(t, 1.0, SessionProgress(et(16, 30)))
	mid := SessionProgress(et(12, 45))
	assert.InDelta(t, 0.5, mid, 0.01)
}

func TestTimeUrgencyPiecewiseCurve(t *testing.T) {
	assert.Equal(t, 0.0, TimeUrgency(0))
	assert.InDelta(t, 0.25, TimeUrgency(0.4), 1e-9)
	assert.InDelta(t, 0.5, TimeUrgency(0.8), 1e-9)
	assert.InDelta(t, 1.0, TimeUrgency(1.0), 1e-9)
	// the ramp is convex: halfway through the final stretch sits well
	// below the linear midpoint of 0.75
	assert.Less(t, TimeUrgency(0.9), 0.75)
}

func TestFillUrgencyMeasuresDeficitOnly(t *testing.T) {
	assert.Equal(t, 0.0, FillUrgency(0.5, 0.6), "ahead of schedule")
	assert.InDelta(t, 0.4, FillUrgency(0.5, 0.3), 1e-9)
	assert.Equal(t, 1.0, FillUrgency(1.0, 0.0), "maximally behind clamps at 1")
}

func TestComputeUrgencyBlendsWeights(t *testing.T) {
	s := ComputeUrgency(0.8, 0.8, models.PhaseUrgencyRamp, DefaultUrgencyWeights())
	// time=0.5, fill=0, phase=0.5 -> 0.5*0.5 + 0.3*0 + 0.2*0.5 = 0.35
	assert.InDelta(t, 0.35, s.Combined, 1e-9)
}

func TestSuggestPegScalesWithUrgency(t *testing.T) {
	window, ok := WindowFor(et(11, 0)) // PASSIVE_ACCUMULATION, default MID
	require.True(t, ok)

	assert.Equal(t, models.PegFarTouch, SuggestPeg(0, window))
	assert.Equal(t, models.PegMid, SuggestPeg(1, window))

	deadline, ok := WindowFor(et(15, 45)) // crossing + market allowed
	require.True(t, ok)
	assert.Equal(t, models.PegMarket, SuggestPeg(1, deadline))
	assert.Equal(t, models.PegFarTouch, SuggestPeg(0, deadline))
}

func TestPegPriceBuyAndSellSymmetry(t *testing.T) {
	q := models.Quote{BidPrice: dec("100.00"), AskPrice: dec("100.50")}

	buyMid, ok := PegPrice(models.SideBuy, q, models.PegMid)
	require.True(t, ok)
	assert.True(t, buyMid.Equal(dec("100.25")), "got %s", buyMid)

	buyFar, _ := PegPrice(models.SideBuy, q, models.PegFarTouch)
	assert.True(t, buyFar.Equal(dec("100.00")))

	sellFar, _ := PegPrice(models.SideSell, q, models.PegFarTouch)
	assert.True(t, sellFar.Equal(dec("100.50")))

	sellInside, _ := PegPrice(models.SideSell, q, models.PegInside75)
	assert.True(t, sellInside.Equal(dec("100.13")), "got %s", sellInside)

	_, ok = PegPrice(models.SideBuy, q, models.PegMarket)
	assert.False(t, ok, "market peg has no limit price")
}

func TestParseClockMinute(t *testing.T) {
	m, err := ParseClockMinute("15:50")
	require.NoError(t, err)
	assert.Equal(t, 15*60+50, m)

	_, err = ParseClockMinute("25:00")
	assert.Error(t, err)
	_, err = ParseClockMinute("noon")
	assert.Error(t, err)
}

func TestLoadPhasePolicyRejectsOverlaps(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/policy.yaml"
	bad := `phases:
  - {phase: OPEN_AVOIDANCE, start: "09:30", end: "11:00", default_peg: FAR_TOUCH}
  - {phase: PASSIVE_ACCUMULATION, start: "10:30", end: "14:30", default_peg: MID}
`
	require.NoError(t, writeFile(path, bad))
	_, err := LoadPhasePolicy(path)
	assert.ErrorContains(t, err, "overlaps")
}

func TestLoadPhasePolicyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/policy.yaml"
	good := `phases:
  - {phase: PASSIVE_ACCUMULATION, start: "09:30", end: "15:30", default_peg: MID, max_participation: 0.10}
  - {phase: DEADLINE_CLOSE, start: "15:30", end: "16:00", default_peg: INSIDE_75, max_participation: 1.0, allow_crossing: true, allow_market_orders: true}
`
	require.NoError(t, writeFile(path, good))
	windows, err := LoadPhasePolicy(path)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, "PASSIVE_ACCUMULATION", DetectPhaseIn(windows, et(10, 0)))
	assert.Equal(t, "DEADLINE_CLOSE", DetectPhaseIn(windows, et(15, 45)))
}
