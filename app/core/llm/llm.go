// Package llm adapts language-model providers behind a single
// extraction interface. The classifier hands it a fixed instruction,
// the user message, and the recent conversation window; the provider
// returns raw model text that the caller parses.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"elias/app/configs"
	"elias/app/pkg/errs"
)

// Provider identifies a language-model backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

// Extractor produces raw model text for an instruction plus user
// message. history carries pre-formatted exchange lines, oldest first;
// providers fold it into the request verbatim.
type Extractor interface {
	// Extract returns the model's raw reply. Errors are
	// errs.Classification for provider refusals and malformed
	// replies, errs.Unavailable for transport and quota failures.
	Extract(ctx context.Context, instruction, message string, history []string) (string, error)

	// Name reports the provider and model, for logs.
	Name() string
}

// DetectProvider resolves the backend from configuration first, then
// from the conventional API-key environment variables. An explicitly
// configured provider is never overridden.
func DetectProvider(cfg configs.LLMConfig) Provider {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case string(ProviderGemini):
		return ProviderGemini
	case string(ProviderOpenAI):
		return ProviderOpenAI
	}

	providers := []struct {
		envVar   string
		provider Provider
	}{
		{"GEMINI_API_KEY", ProviderGemini},
		{"GOOGLE_API_KEY", ProviderGemini},
		{"OPENAI_API_KEY", ProviderOpenAI},
	}
	for _, p := range providers {
		if os.Getenv(p.envVar) != "" {
			return p.provider
		}
	}

	// The assistant grew up on Gemini; a bare key defaults there.
	return ProviderGemini
}

// New builds the configured extractor. The credential must already be
// resolved into cfg (the config layer overlays environment variables).
func New(cfg configs.LLMConfig) (Extractor, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errs.New(errs.Validation, "falta la credencial del modelo de lenguaje")
	}

	switch provider := DetectProvider(cfg); provider {
	case ProviderGemini:
		return NewGemini(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	default:
		return nil, errs.Newf(errs.Validation, "proveedor de modelo desconocido: %s", provider)
	}
}

// userText folds the rolling exchange window and the current message
// into the single user turn the providers send.
func userText(message string, history []string) string {
	if len(history) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString("Historial reciente:\n")
	for _, line := range history {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nMensaje actual: %s", message)
	return b.String()
}
