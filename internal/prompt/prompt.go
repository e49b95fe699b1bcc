// Package prompt asks the operator to confirm destructive actions.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Confirmer answers yes/no questions.
type Confirmer interface {
	// Confirm returns the operator's answer, or defaultYes when no answer
	// is given.
	Confirm(question string, defaultYes bool) bool
}

// Fixed answers every question the same way without asking.
type Fixed bool

const (
	Yes Fixed = true
	No  Fixed = false
)

func (f Fixed) Confirm(string, bool) bool {
	return bool(f)
}

// Terminal asks on an interactive terminal. When In is not a terminal the
// default answer is used without prompting.
type Terminal struct {
	In  io.Reader
	Out io.Writer
	// IsTerminal reports whether In is interactive.
	IsTerminal func() bool
}

// NewTerminal returns a Terminal reading stdin and writing stderr.
func NewTerminal() *Terminal {
	return &Terminal{
		In:  os.Stdin,
		Out: os.Stderr,
		IsTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

func (t *Terminal) Confirm(question string, defaultYes bool) bool {
	if t.IsTerminal != nil && !t.IsTerminal() {
		return defaultYes
	}

	defaultStr := "Y/n"
	if !defaultYes {
		defaultStr = "y/N"
	}

	fmt.Fprintf(t.Out, "%s [%s]: ", question, defaultStr)
	reader := bufio.NewReader(t.In)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultYes
	}
	return input == "y" || input == "yes"
}
