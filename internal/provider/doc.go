// Package provider sends non-streaming turns to Anthropic Claude through the
// Eino framework.
//
// The streaming path lives in package relay, which speaks the vendor event
// stream directly. This package covers the single-response mode used when a
// client asks for "streaming": false:
//
//	p, err := provider.NewAnthropicProvider(ctx, &provider.Config{
//		APIKey:    key,
//		Model:     "claude-sonnet-4-20250514",
//		MaxTokens: 64000,
//	})
//	res, err := p.Send(ctx, systemPrompt, userPrompt)
//
// Result mirrors the upstream response: the first text block, token usage and
// a success flag.
package provider
