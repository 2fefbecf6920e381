package session

// Outcome is what one exec, wait, view or send read from a session.
type Outcome struct {
	Output   string
	ExitCode *int
	TimedOut bool
	// Discontinuity is set on the first read after a reconnect that could
	// not recover the full scrollback.
	Discontinuity bool
}

// ExitCode returns a pointer to code for Outcome literals.
func ExitCode(code int) *int { return &code }

// DiscontinuityWarning prefixes output read after an incomplete reconnect.
const DiscontinuityWarning = "[sandterm: output before reconnect may be incomplete]"
