// Package timeaware implements the time-aware intraday execution
// strategy: a tick-driven engine that walks a pending execution through
// OPEN_AVOIDANCE, PASSIVE_ACCUMULATION, URGENCY_RAMP and DEADLINE_CLOSE,
// pegging child orders against the NBBO at an aggressiveness driven by a
// combined urgency score. Phase detection is pure functions over
// time.Time plus a declarative PhaseWindow table.
package timeaware

import "time"

// exchangeLocation is US Eastern, the exchange local time every phase
// window is expressed in.
var exchangeLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// PhaseWindow is one row of the phase table: a time-of-day
// window, the default peg for that window, and the participation cap.
type PhaseWindow struct {
	Phase               string
	StartMinute         int // minutes since midnight, exchange local time
	EndMinute           int
	DefaultPeg          string
	MaxParticipationPct float64
	AllowCrossing       bool
	AllowMarketOrders   bool
}

// defaultPolicy is the phase table in standard-session minutes.
var defaultPolicy = []PhaseWindow{
	{Phase: "OPEN_AVOIDANCE", StartMinute: 9*60 + 30, EndMinute: 10*60 + 30, DefaultPeg: "FAR_TOUCH", MaxParticipationPct: 0.02, AllowCrossing: false, AllowMarketOrders: false},
	{Phase: "PASSIVE_ACCUMULATION", StartMinute: 10*60 + 30, EndMinute: 14*60 + 30, DefaultPeg: "MID", MaxParticipationPct: 0.10, AllowCrossing: false, AllowMarketOrders: false},
	{Phase: "URGENCY_RAMP", StartMinute: 14*60 + 30, EndMinute: 15*60 + 30, DefaultPeg: "NEAR_TOUCH", MaxParticipationPct: 0.25, AllowCrossing: false, AllowMarketOrders: false},
	{Phase: "DEADLINE_CLOSE", StartMinute: 15*60 + 30, EndMinute: 16 * 60, DefaultPeg: "INSIDE_75", MaxParticipationPct: 1.0, AllowCrossing: true, AllowMarketOrders: true},
}

// earlyClosePolicy compresses the four phases into a 09:30-13:00 session
// (30/90/60/30 minutes vs. 60/240/60/30 on a regular day).
var earlyClosePolicy = []PhaseWindow{
	{Phase: "OPEN_AVOIDANCE", StartMinute: 9*60 + 30, EndMinute: 10 * 60, DefaultPeg: "FAR_TOUCH", MaxParticipationPct: 0.02},
	{Phase: "PASSIVE_ACCUMULATION", StartMinute: 10 * 60, EndMinute: 11*60 + 30, DefaultPeg: "MID", MaxParticipationPct: 0.10},
	{Phase: "URGENCY_RAMP", StartMinute: 11*60 + 30, EndMinute: 12*60 + 30, DefaultPeg: "NEAR_TOUCH", MaxParticipationPct: 0.25},
	{Phase: "DEADLINE_CLOSE", StartMinute: 12*60 + 30, EndMinute: 13 * 60, DefaultPeg: "INSIDE_75", MaxParticipationPct: 1.0, AllowCrossing: true, AllowMarketOrders: true},
}

// earlyCloseDates is a simplified (month, day) table rather than a full
// market-calendar dependency; calendar data is an external concern.
var earlyCloseDates = map[[2]int]bool{
	{7, 3}:   true,
	{11, 29}: true,
	{12, 24}: true,
	{12, 31}: true,
}

// IsTradingDay reports whether t (any timezone) falls on a weekday.
// Holiday calendars are an external collaborator; callers
// that need holiday awareness pass a pre-filtered clock.
func IsTradingDay(t time.Time) bool {
	wd := t.In(exchangeLocation).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsEarlyClose reports whether t falls on one of the simplified early
// close dates, and only on a weekday.
func IsEarlyClose(t time.Time) bool {
	et := t.In(exchangeLocation)
	key := [2]int{int(et.Month()), et.Day()}
	return earlyCloseDates[key] && IsTradingDay(t)
}

// policyFor selects the phase window table for t's session type.
func policyFor(t time.Time) []PhaseWindow {
	if IsEarlyClose(t) {
		return earlyClosePolicy
	}
	return defaultPolicy
}

// sessionBounds returns the session open/close minute-of-day for t.
func sessionBounds(windows []PhaseWindow) (openMin, closeMin int) {
	return windows[0].StartMinute, windows[len(windows)-1].EndMinute
}

// DetectPhase looks t up in the session's phase table, including the
// MARKET_CLOSED cases (non-trading day, before open, at/after close).
func DetectPhase(t time.Time) string {
	return DetectPhaseIn(policyFor(t), t)
}

// DetectPhaseIn is DetectPhase against an explicit phase table (a loaded
// policy override instead of the built-in session defaults).
func DetectPhaseIn(windows []PhaseWindow, t time.Time) string {
	if !IsTradingDay(t) || len(windows) == 0 {
		return "MARKET_CLOSED"
	}
	et := t.In(exchangeLocation)
	minuteOfDay := et.Hour()*60 + et.Minute()
	openMin, closeMin := sessionBounds(windows)
	if minuteOfDay < openMin || minuteOfDay >= closeMin {
		return "MARKET_CLOSED"
	}
	for _, w := range windows {
		if minuteOfDay >= w.StartMinute && minuteOfDay < w.EndMinute {
			return w.Phase
		}
	}
	return "DEADLINE_CLOSE"
}

// WindowFor returns the PhaseWindow matching the current phase at t, and
// false if the market is closed.
func WindowFor(t time.Time) (PhaseWindow, bool) {
	return WindowForIn(policyFor(t), t)
}

// WindowForIn is WindowFor against an explicit phase table.
func WindowForIn(windows []PhaseWindow, t time.Time) (PhaseWindow, bool) {
	phase := DetectPhaseIn(windows, t)
	if phase == "MARKET_CLOSED" {
		return PhaseWindow{}, false
	}
	for _, w := range windows {
		if w.Phase == phase {
			return w, true
		}
	}
	return PhaseWindow{}, false
}

// SessionProgress returns the fraction of the trading session elapsed at
// t, clamped to [0,1]; used by the urgency scorer's time_urgency term.
func SessionProgress(t time.Time) float64 {
	return SessionProgressIn(policyFor(t), t)
}

// SessionProgressIn is SessionProgress against an explicit phase table.
func SessionProgressIn(windows []PhaseWindow, t time.Time) float64 {
	if len(windows) == 0 {
		return 1
	}
	et := t.In(exchangeLocation)
	minuteOfDay := float64(et.Hour()*60+et.Minute()) + float64(et.Second())/60
	openMin, closeMin := sessionBounds(windows)
	total := float64(closeMin - openMin)
	if total <= 0 {
		return 1
	}
	progress := (minuteOfDay - float64(openMin)) / total
	if progress < 0 {
		return 0
	}
	if progress > 1 {
		return 1
	}
	return progress
}
