// Package timing records how long each provisioning stage took.
package timing

import (
	"fmt"
	"io"
	"time"
)

// Timer tracks durations of named phases.
type Timer struct {
	start  time.Time
	now    func() time.Time
	phases []Phase
}

// Phase represents a timed phase with name, duration and outcome.
type Phase struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Outcome is "ok" or "failed".
func (p Phase) Outcome() string {
	if p.Err != nil {
		return "failed"
	}
	return "ok"
}

// New creates a new Timer starting from now.
func New() *Timer {
	return &Timer{start: time.Now(), now: time.Now}
}

// Record records a phase ending now with its result.
// Duration is time since the previous phase (or since start for the first).
func (t *Timer) Record(name string, err error) {
	elapsed := t.now().Sub(t.start)
	t.phases = append(t.phases, Phase{Name: name, Duration: elapsed - t.totalDuration(), Err: err})
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return t.now().Sub(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	return t.phases
}

// Report prints a timing report to the given writer.
func (t *Timer) Report(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Stage Timing ===")
	for _, p := range t.phases {
		fmt.Fprintf(w, "  %-20s %-10s %s\n", p.Name+":", formatDuration(p.Duration), p.Outcome())
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
	fmt.Fprintln(w, "====================")
}

// totalDuration returns the sum of all phase durations.
func (t *Timer) totalDuration() time.Duration {
	var total time.Duration
	for _, p := range t.phases {
		total += p.Duration
	}
	return total
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
