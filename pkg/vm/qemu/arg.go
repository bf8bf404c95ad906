package qemu

import (
	"slices"
	"strings"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// Argument is one QEMU option with an optional value. A unique argument may
// appear once per command line; a repeatable one may appear many times with
// distinct values.
type Argument struct {
	name       string
	value      string
	repeatable bool
}

func (a Argument) String() string {
	if a.value == "" {
		return "-" + a.name
	}
	return "-" + a.name + " " + a.value
}

func (a Argument) Name() string  { return a.name }
func (a Argument) Value() string { return a.value }

// collides reports whether a and other cannot share one command line.
func (a Argument) collides(other Argument) bool {
	if a.name != other.name {
		return false
	}
	if a.repeatable {
		return a.value == other.value
	}
	return true
}

// UniqueArg joins value with commas, the QEMU sub-option separator.
func UniqueArg(name string, value ...string) Argument {
	return Argument{name: name, value: strings.Join(value, ",")}
}

func RepeatableArg(name string, value ...string) Argument {
	return Argument{name: name, value: strings.Join(value, ","), repeatable: true}
}

// BuildArgumentStrings flattens args for exec.Command. It fails with
// ErrArgumentCollision when a unique name repeats or a repeatable argument
// is duplicated verbatim.
func BuildArgumentStrings(args []Argument) ([]string, error) {
	out := make([]string, 0, 2*len(args))
	for idx, arg := range args {
		if i := slices.IndexFunc(args[:idx], arg.collides); i != -1 {
			return nil, errx.With(ErrArgumentCollision, ": %s, %s", arg, args[i])
		}
		out = append(out, "-"+arg.name)
		if arg.value != "" {
			out = append(out, arg.value)
		}
	}
	return out, nil
}
