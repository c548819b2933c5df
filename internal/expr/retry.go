package expr

import (
	"log/slog"

	"github.com/l0p7/querykit/internal/client"
)

// RetryPolicy decides retries by evaluating a CEL expression. The retry
// ceiling still bounds attempts and cancellations are never retried.
type RetryPolicy struct {
	program    Program
	maxRetries int
	logger     *slog.Logger
}

// NewRetryPolicy compiles expression into a policy bounded by maxRetries.
func NewRetryPolicy(logger *slog.Logger, expression string, maxRetries int) (*RetryPolicy, error) {
	env, err := NewRetryEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(expression)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{
		program:    program,
		maxRetries: maxRetries,
		logger:     logger.With(slog.String("agent", "retry_expression")),
	}, nil
}

// ShouldRetry evaluates the expression for one failure. Evaluation errors
// count as "do not retry".
func (p *RetryPolicy) ShouldRetry(failures int, err error) bool {
	if failures > p.maxRetries {
		return false
	}
	if client.Kind(err) == "canceled" {
		return false
	}
	retry, evalErr := p.program.EvalBool(Activation(failures, err))
	if evalErr != nil {
		p.logger.Warn("retry expression failed", slog.String("expression", p.program.Source()), slog.String("error", evalErr.Error()))
		return false
	}
	return retry
}

// Source returns the expression text.
func (p *RetryPolicy) Source() string { return p.program.Source() }

// Activation builds the CEL variables for a failure.
func Activation(failures int, err error) map[string]any {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return map[string]any{
		"status":   int64(client.StatusOf(err)),
		"kind":     client.Kind(err),
		"failures": int64(failures),
		"message":  message,
	}
}
