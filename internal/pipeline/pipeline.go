package pipeline

import (
	"context"
)

// Stage processes a context and either lets the chain continue (nil) or
// halts it.
type Stage interface {
	// Name identifies the stage in logs and diagnostics.
	Name() string
	// Process mutates the context. A non-nil Halt stops the chain.
	Process(ctx context.Context, c *Context) *Halt
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, c *Context) *Halt
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Process(ctx context.Context, c *Context) *Halt {
	return s.Fn(ctx, c)
}

// Chain is an ordered list of stages run against one context.
type Chain struct {
	stages []Stage
}

// NewChain builds a chain from stages in execution order.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: stages}
}

// Append returns a new chain with extra stages after the existing ones.
// The receiver is not modified, so shared prefixes stay reusable across
// routes.
func (ch *Chain) Append(stages ...Stage) *Chain {
	combined := make([]Stage, 0, len(ch.stages)+len(stages))
	combined = append(combined, ch.stages...)
	combined = append(combined, stages...)
	return &Chain{stages: combined}
}

// Run executes the stages in order. The first non-nil halt is returned
// and the remaining stages are skipped. Effects already applied to the
// context are not rolled back.
func (ch *Chain) Run(ctx context.Context, c *Context) *Halt {
	for _, stage := range ch.stages {
		if halt := stage.Process(ctx, c); halt != nil {
			return halt
		}
	}
	return nil
}
