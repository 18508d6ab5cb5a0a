package transport

import "strings"

const (
	// OutputMarker and DLQMarker are appended to a kind's base name.
	OutputMarker = "_output"
	DLQMarker    = "_dlq"
)

// Naming derives queue names from a kind.
//
//	base   = Prefix + kind (with "." replaced by "__")
//	input  = base + Suffix
//	output = base + "_output" + Suffix
//	dlq    = base + "_dlq" + Suffix
//
// Non-empty overrides always win.
type Naming struct {
	Prefix         string
	Suffix         string
	OutputOverride string
	DLQOverride    string
}

// Base returns the prefixed, sanitised kind.
func (n Naming) Base(kind string) string {
	return n.Prefix + strings.ReplaceAll(kind, ".", "__")
}

func (n Naming) Input(kind string) string {
	return n.Base(kind) + n.Suffix
}

func (n Naming) Output(kind string) string {
	if n.OutputOverride != "" {
		return n.OutputOverride
	}
	return n.Base(kind) + OutputMarker + n.Suffix
}

func (n Naming) DLQ(kind string) string {
	if n.DLQOverride != "" {
		return n.DLQOverride
	}
	return n.Base(kind) + DLQMarker + n.Suffix
}

// Name returns the queue name for kind in the given role.
func (n Naming) Name(kind string, role Role) string {
	switch role {
	case RoleOutput:
		return n.Output(kind)
	case RoleDLQ:
		return n.DLQ(kind)
	default:
		return n.Input(kind)
	}
}

// IsInputQueue reports whether name is an input queue under n: it ends in
// neither the output nor the dead-letter marker followed by Suffix and is
// not one of the overrides. Markers elsewhere in the name don't count.
func (n Naming) IsInputQueue(name string) bool {
	if name == "" || name == n.OutputOverride || name == n.DLQOverride {
		return false
	}
	return !strings.HasSuffix(name, OutputMarker+n.Suffix) && !strings.HasSuffix(name, DLQMarker+n.Suffix)
}

// RestrictInputQueues drops names that are output or dead-letter queues
// under n.
func (n Naming) RestrictInputQueues(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if n.IsInputQueue(name) {
			out = append(out, name)
		}
	}
	return out
}

// IsInputQueue is Naming.IsInputQueue without a prefix or overrides. A
// trailing ".fifo" is treated as the suffix.
func IsInputQueue(name string) bool {
	return namingFor(name).IsInputQueue(name)
}

// RestrictInputQueues drops output and dead-letter queues from names.
func RestrictInputQueues(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if IsInputQueue(name) {
			out = append(out, name)
		}
	}
	return out
}

func namingFor(name string) Naming {
	if strings.HasSuffix(name, fifoSuffix) {
		return Naming{Suffix: fifoSuffix}
	}
	return Naming{}
}

const fifoSuffix = ".fifo"
