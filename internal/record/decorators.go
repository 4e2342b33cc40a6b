package record

import (
	"fmt"
	"log/slog"

	"github.com/claudecontrol/claude-control/internal/match"
	"github.com/claudecontrol/claude-control/internal/tape"
)

// InputDecorator rewrites an input payload before it is stored.
type InputDecorator func(ctx *match.Context, data []byte) ([]byte, error)

// OutputDecorator rewrites an exchange's chunks before they are stored.
type OutputDecorator func(ctx *match.Context, chunks []tape.Chunk) ([]tape.Chunk, error)

// TapeDecorator rewrites the assembled tape before it is persisted.
type TapeDecorator func(ctx *match.Context, t *tape.Tape) (*tape.Tape, error)

// DecoratorError wraps a decorator failure. It is never fatal: the
// recorder logs it and keeps the undecorated payload.
type DecoratorError struct {
	Name string
	Err  error
}

func (e *DecoratorError) Error() string {
	return fmt.Sprintf("decorator %s failed: %v", e.Name, e.Err)
}

func (e *DecoratorError) Unwrap() error { return e.Err }

// applyInputDecorators runs the chain left to right. A stage that
// errors or panics is skipped with a warning; later stages still run
// on the last good value.
func applyInputDecorators(decorators []InputDecorator, ctx *match.Context, data []byte) []byte {
	result := data
	for i, dec := range decorators {
		out, err := runInputDecorator(dec, ctx, result)
		if err != nil {
			slog.Warn("input decorator failed, using undecorated payload",
				"error", &DecoratorError{Name: fmt.Sprintf("input[%d]", i), Err: err})
			continue
		}
		result = out
	}
	return result
}

func runInputDecorator(dec InputDecorator, ctx *match.Context, data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return dec(ctx, data)
}

func applyOutputDecorators(decorators []OutputDecorator, ctx *match.Context, chunks []tape.Chunk) []tape.Chunk {
	result := chunks
	for i, dec := range decorators {
		out, err := runOutputDecorator(dec, ctx, result)
		if err != nil {
			slog.Warn("output decorator failed, using undecorated chunks",
				"error", &DecoratorError{Name: fmt.Sprintf("output[%d]", i), Err: err})
			continue
		}
		result = out
	}
	return result
}

func runOutputDecorator(dec OutputDecorator, ctx *match.Context, chunks []tape.Chunk) (out []tape.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return dec(ctx, chunks)
}

func applyTapeDecorators(decorators []TapeDecorator, ctx *match.Context, t *tape.Tape) *tape.Tape {
	result := t
	for i, dec := range decorators {
		out, err := runTapeDecorator(dec, ctx, result)
		if err != nil {
			slog.Warn("tape decorator failed, using undecorated tape",
				"error", &DecoratorError{Name: fmt.Sprintf("tape[%d]", i), Err: err})
			continue
		}
		result = out
	}
	return result
}

func runTapeDecorator(dec TapeDecorator, ctx *match.Context, t *tape.Tape) (out *tape.Tape, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return dec(ctx, t)
}
