package hypervisor

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Argument is a QEMU command-line option with or without value.
//
// Its name might be marked to be unique in a list of [Arguments].
type Argument struct {
	name          string
	value         string
	nonUniqueName bool
}

// Name returns the option name without the leading dash.
func (a Argument) Name() string {
	return a.name
}

// Value returns the option value.
func (a Argument) Value() string {
	return a.value
}

// Equal reports whether a and b collide. Unique options collide by name,
// repeatable ones only when name and value match.
func (a Argument) Equal(b Argument) bool {
	if a.name != b.name {
		return false
	}
	if a.nonUniqueName {
		return a.value == b.value
	}
	return true
}

// WithValue returns a constructor for arguments named like a.
func (a Argument) WithValue() func(string) Argument {
	return func(s string) Argument {
		a := a
		a.value = s
		return a
	}
}

// WithMultiValue is like [Argument.WithValue] but joins several values.
func (a Argument) WithMultiValue(separator string) func(...string) Argument {
	return func(s ...string) Argument {
		return a.WithValue()(strings.Join(s, separator))
	}
}

// WithIntValue is like [Argument.WithValue] for integers.
func (a Argument) WithIntValue() func(int) Argument {
	return func(i int) Argument {
		return a.WithValue()(strconv.Itoa(i))
	}
}

// UniqueArg returns an option that may appear once in [Arguments].
func UniqueArg(name string) Argument {
	return Argument{name: name}
}

// RepeatableArg returns an option that may appear several times.
func RepeatableArg(name string) Argument {
	return Argument{name: name, nonUniqueName: true}
}

var (
	ArgName      = UniqueArg("name").WithValue()
	ArgMachine   = UniqueArg("machine").WithMultiValue(",")
	ArgCPU       = UniqueArg("cpu").WithMultiValue(",")
	ArgSMP       = UniqueArg("smp").WithIntValue()
	ArgMemory    = UniqueArg("m").WithIntValue()
	ArgDisplay   = UniqueArg("display").WithValue()
	ArgVGA       = UniqueArg("vga").WithValue()
	ArgPIDFile   = UniqueArg("pidfile").WithValue()
	ArgDaemonize = UniqueArg("daemonize")
	ArgDrive     = RepeatableArg("drive").WithMultiValue(",")
	ArgDevice    = RepeatableArg("device").WithMultiValue(",")
	ArgNetdev    = RepeatableArg("netdev").WithMultiValue(",")
)

// Arguments is a list of [Argument]s.
type Arguments []Argument

// Add appends e.
func (a *Arguments) Add(e ...Argument) {
	*a = append(*a, e...)
}

// Build compiles the list into exec arguments. It fails when a unique
// option appears twice or a repeatable option is duplicated verbatim.
func (a Arguments) Build() ([]string, error) {
	s := make([]string, 0, 2*len(a))

	for idx, e := range a {
		if slices.ContainsFunc(a[idx+1:], e.Equal) {
			return nil, fmt.Errorf("%w: %s", ErrArgumentCollision, e.name)
		}

		s = append(s, "-"+e.name)
		if e.value != "" {
			s = append(s, e.value)
		}
	}
	return s, nil
}
