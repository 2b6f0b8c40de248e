// Package autoreply generates responses to direct inbound messages through a
// chain of provider adapters. Every generated reply goes out through the
// account runtime's send path, so auto-replies are paced and typing-simulated
// exactly like API sends.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one conversation turn handed to an adapter. Role is "user" or
// "assistant".
type Message struct {
	Role    string
	Content string
}

// Category classifies an adapter failure. Auth failures take the adapter out
// of rotation for the process lifetime; rate-limit and server failures only
// skip it for the current reply.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate_limit"
	CategoryServer    Category = "server"
)

// AdapterError tags a provider failure with its category.
type AdapterError struct {
	Provider string
	Category Category
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Category, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// CategoryOf extracts the failure category, or empty for untagged errors.
func CategoryOf(err error) Category {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// Adapter produces a reply for a conversation. Implementations hold no shared
// mutable state across accounts.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, messages []Message, system string) (string, error)
}

// StaticAdapter answers from a fixed template. It exists so the auto-reply
// path works without any external provider configured; `{{message}}` in the
// template is replaced with the inbound text.
type StaticAdapter struct {
	Template string
}

func (a *StaticAdapter) Name() string { return "static" }

func (a *StaticAdapter) Generate(_ context.Context, messages []Message, _ string) (string, error) {
	if a.Template == "" {
		return "", nil
	}
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	return strings.ReplaceAll(a.Template, "{{message}}", last), nil
}
