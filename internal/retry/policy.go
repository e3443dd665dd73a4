// Package retry drives test cases through their attempts and decides,
// after every failure, whether the case runs again.
package retry

import "fmt"

// Mode is the run mode. Headless runs are unattended; interactive runs have
// a human at the keyboard who re-triggers failures by hand.
type Mode string

const (
	ModeHeadless    Mode = "headless"
	ModeInteractive Mode = "interactive"
)

// ParseMode accepts the mode names and the "run"/"open" aliases.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "headless", "run":
		return ModeHeadless, nil
	case "interactive", "open":
		return ModeInteractive, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", s)
	}
}

// Policy sets how many times a failing case is re-run.
type Policy struct {
	Mode            Mode
	RunModeRetries  int
	OpenModeRetries int
}

// DefaultPolicy retries once in headless runs and never in interactive ones.
func DefaultPolicy() Policy {
	return Policy{
		Mode:            ModeHeadless,
		RunModeRetries:  1,
		OpenModeRetries: 0,
	}
}

// MaxRetries returns the retry budget for the active mode.
func (p Policy) MaxRetries() int {
	n := p.RunModeRetries
	if p.Mode == ModeInteractive {
		n = p.OpenModeRetries
	}
	if n < 0 {
		return 0
	}
	return n
}
