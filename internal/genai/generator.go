// Package genai provides text generation over an ordered list of model
// identifiers. Models are tried in priority order until one returns usable
// text; the concrete wire protocol lives behind the Provider interface so
// the pipeline stays model-provider-agnostic.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Provider issues a single generation call against one named model. The
// image is optional; nil means text-only. Implementations may fail with any
// error — the Client treats every failure uniformly.
type Provider interface {
	Generate(ctx context.Context, model, prompt string, image []byte) (string, error)
}

// errBlankResponse marks a call that "succeeded" with empty or
// whitespace-only text; that counts as a model failure.
var errBlankResponse = errors.New("model returned blank text")

// FallbackError is returned when every model in the chain failed. It names
// the last model tried and wraps its underlying error.
type FallbackError struct {
	LastModel string
	Err       error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("all generation models failed; last tried %s: %v", e.LastModel, e.Err)
}

func (e *FallbackError) Unwrap() error {
	return e.Err
}

// Client generates text by walking a fixed fallback chain of model
// identifiers. The chain is read-only after construction.
type Client struct {
	provider Provider
	models   []string
}

// New creates a Client with the given provider and ordered model list.
func New(provider Provider, models []string) *Client {
	return &Client{provider: provider, models: models}
}

// Models returns a copy of the fallback chain, in priority order.
func (c *Client) Models() []string {
	return append([]string(nil), c.models...)
}

// Generate tries each model once, in order, and returns the first non-blank
// response. Per-model failures are recorded and skipped — there is no retry
// on the same identifier. If the whole chain fails, the result is a
// *FallbackError; Generate never returns an empty string with a nil error.
func (c *Client) Generate(ctx context.Context, prompt string, image []byte) (string, error) {
	if len(c.models) == 0 {
		return "", &FallbackError{Err: errors.New("no models configured")}
	}

	var lastModel string
	var lastErr error

	for _, model := range c.models {
		lastModel = model

		text, err := c.provider.Generate(ctx, model, prompt, image)
		if err == nil && strings.TrimSpace(text) == "" {
			err = errBlankResponse
		}
		if err != nil {
			slog.Warn("generation model failed", "model", model, "error", err)
			lastErr = err
			if ctx.Err() != nil {
				// The request deadline is gone; the remaining models would
				// fail the same way.
				break
			}
			continue
		}

		slog.Debug("generation succeeded", "model", model)
		return text, nil
	}

	return "", &FallbackError{LastModel: lastModel, Err: lastErr}
}
