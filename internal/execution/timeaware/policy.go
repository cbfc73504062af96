package timeaware

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// phasePolicyFile is the on-disk shape of a phase-table override. Times
// are exchange-local "HH:MM" strings:
//
//	phases:
//	  - phase: OPEN_AVOIDANCE
//	    start: "09:30"
//	    end: "10:30"
//	    default_peg: FAR_TOUCH
//	    max_participation: 0.02
//	  - phase: DEADLINE_CLOSE
//	    start: "15:30"
//	    end: "16:00"
//	    default_peg: INSIDE_75
//	    max_participation: 1.0
//	    allow_crossing: true
//	    allow_market_orders: true
type phasePolicyFile struct {
	Phases []phasePolicyEntry `yaml:"phases"`
}

type phasePolicyEntry struct {
	Phase             string  `yaml:"phase"`
	Start             string  `yaml:"start"`
	End               string  `yaml:"end"`
	DefaultPeg        string  `yaml:"default_peg"`
	MaxParticipation  float64 `yaml:"max_participation"`
	AllowCrossing     bool    `yaml:"allow_crossing"`
	AllowMarketOrders bool    `yaml:"allow_market_orders"`
}

var knownPhases = map[string]bool{
	"OPEN_AVOIDANCE":       true,
	"PASSIVE_ACCUMULATION": true,
	"URGENCY_RAMP":         true,
	"DEADLINE_CLOSE":       true,
}

// LoadPhasePolicy reads a YAML phase-table override. The built-in tables
// remain in force when path is empty. Windows must be chronological and
// non-overlapping; phase names must come from the known phase set.
func LoadPhasePolicy(path string) ([]PhaseWindow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("timeaware: read phase policy %s: %w", path, err)
	}

	var file phasePolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("timeaware: parse phase policy %s: %w", path, err)
	}
	if len(file.Phases) == 0 {
		return nil, fmt.Errorf("timeaware: phase policy %s declares no phases", path)
	}

	windows := make([]PhaseWindow, 0, len(file.Phases))
	prevEnd := -1
	for i, p := range file.Phases {
		if !knownPhases[p.Phase] {
			return nil, fmt.Errorf("timeaware: phase policy %s entry %d: unknown phase %q", path, i, p.Phase)
		}
		start, err := ParseClockMinute(p.Start)
		if err != nil {
			return nil, fmt.Errorf("timeaware: phase policy %s entry %d: %w", path, i, err)
		}
		end, err := ParseClockMinute(p.End)
		if err != nil {
			return nil, fmt.Errorf("timeaware: phase policy %s entry %d: %w", path, i, err)
		}
		if end <= start {
			return nil, fmt.Errorf("timeaware: phase policy %s entry %d: end %s not after start %s", path, i, p.End, p.Start)
		}
		if start < prevEnd {
			return nil, fmt.Errorf("timeaware: phase policy %s entry %d: window overlaps previous", path, i)
		}
		prevEnd = end

		peg := p.DefaultPeg
		if peg == "" {
			peg = "MID"
		}
		windows = append(windows, PhaseWindow{
			Phase:               p.Phase,
			StartMinute:         start,
			EndMinute:           end,
			DefaultPeg:          peg,
			MaxParticipationPct: p.MaxParticipation,
			AllowCrossing:       p.AllowCrossing,
			AllowMarketOrders:   p.AllowMarketOrders,
		})
	}
	return windows, nil
}

// ParseClockMinute converts an exchange-local "HH:MM" string into minutes
// since midnight; also used for the auction cutoff time (default 15:50).
func ParseClockMinute(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in clock time %q", s)
	}
	return h*60 + m, nil
}
