package retry

import "fmt"

// Phase is the state of one test case.
type Phase string

const (
	NotStarted      Phase = "not_started"
	Running         Phase = "running"
	Passed          Phase = "passed"
	FailedRetryable Phase = "failed_retryable"
	FailedFinal     Phase = "failed_final"
	Skipped         Phase = "skipped"
	Pending         Phase = "pending"
)

// Terminal reports whether no transition leaves the phase.
func (p Phase) Terminal() bool {
	switch p {
	case Passed, FailedFinal, Skipped, Pending:
		return true
	default:
		return false
	}
}

// Machine tracks one test case across its attempts.
//
//	NotStarted -> Running -> Passed | FailedRetryable | FailedFinal | Skipped | Pending
//	FailedRetryable -> Running
type Machine struct {
	phase      Phase
	attempt    int
	maxRetries int
}

// NewMachine creates a machine allowing maxRetries re-runs after the first attempt.
func NewMachine(maxRetries int) *Machine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Machine{phase: NotStarted, maxRetries: maxRetries}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Attempt returns the 1-based number of the current or last attempt.
func (m *Machine) Attempt() int { return m.attempt }

// Start enters Running and begins the next attempt.
func (m *Machine) Start() error {
	if m.phase != NotStarted && m.phase != FailedRetryable {
		return m.illegal(Running)
	}
	m.phase = Running
	m.attempt++
	return nil
}

// Pass ends the case successfully.
func (m *Machine) Pass() error {
	return m.settle(Passed)
}

// Fail ends the current attempt. The case may run again only if retryable
// is true and the retry budget is not spent.
func (m *Machine) Fail(retryable bool) (Phase, error) {
	next := FailedFinal
	if retryable && m.attempt <= m.maxRetries {
		next = FailedRetryable
	}
	if err := m.settle(next); err != nil {
		return m.phase, err
	}
	return next, nil
}

// Skip ends the case as skipped.
func (m *Machine) Skip() error {
	return m.settle(Skipped)
}

// MarkPending ends the case as pending.
func (m *Machine) MarkPending() error {
	return m.settle(Pending)
}

func (m *Machine) settle(next Phase) error {
	if m.phase != Running {
		return m.illegal(next)
	}
	m.phase = next
	return nil
}

func (m *Machine) illegal(next Phase) error {
	return fmt.Errorf("retry: illegal transition %s -> %s", m.phase, next)
}
