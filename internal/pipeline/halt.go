package pipeline

import "fmt"

// Halt is the explicit short-circuit a stage returns to stop the chain.
// It carries everything the boundary needs to render a terminal error
// response: status, human-readable message, and machine-readable
// attributes such as patch-style diffs or echoed payloads.
type Halt struct {
	Status     int
	Message    string
	Attributes map[string]any
}

// NewHalt builds a halt with the given status and message.
func NewHalt(status int, message string) *Halt {
	return &Halt{Status: status, Message: message}
}

// Haltf builds a halt with a formatted message.
func Haltf(status int, format string, args ...any) *Halt {
	return &Halt{Status: status, Message: fmt.Sprintf(format, args...)}
}

// With attaches a structured attribute and returns the halt for chaining.
func (h *Halt) With(key string, value any) *Halt {
	if h.Attributes == nil {
		h.Attributes = make(map[string]any)
	}
	h.Attributes[key] = value
	return h
}

// Error makes Halt usable as an error value at the pipeline boundary.
func (h *Halt) Error() string {
	return fmt.Sprintf("halt %d: %s", h.Status, h.Message)
}
