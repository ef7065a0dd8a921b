// Package ai wraps text generation providers behind a single client
// with retry and fallback. Tool handlers only see Generate; which
// provider answered is metadata.
package ai

import "context"

// Request is a single-turn generation request
type Request struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Response is the generated text plus accounting
type Response struct {
	Text         string `json:"text"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Provider is one upstream generation backend
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
