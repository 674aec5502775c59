package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"elias/app/configs"
	"elias/app/pkg/errs"
	"elias/app/pkg/logger"
)

const defaultGeminiModel = "gemini-2.0-flash-exp"

// geminiMaxRetries bounds the internal retry loop for quota and
// transport failures. Other API rejections fail fast.
const geminiMaxRetries = 3

type geminiExtractor struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

// NewGemini builds the Gemini-backed extractor. The reply is forced to
// JSON via the response MIME type so the classifier never has to strip
// prose around the object.
func NewGemini(cfg configs.LLMConfig) (*geminiExtractor, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errs.New(errs.Validation, "falta la credencial de Gemini")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     key,
		HTTPClient: &http.Client{Timeout: cfg.Timeout()},
	})
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Errorf("gemini client: %w", err))
	}

	return &geminiExtractor{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxOutputTokens),
	}, nil
}

func (g *geminiExtractor) Name() string {
	return fmt.Sprintf("gemini:%s", g.model)
}

func (g *geminiExtractor) Extract(ctx context.Context, instruction, message string, history []string) (string, error) {
	start := time.Now()
	logger.Debug("[LLM] gemini extract: model=%s history=%d msg_len=%d", g.model, len(history), len(message))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		MaxOutputTokens:   g.maxTokens,
		ResponseMIMEType:  "application/json",
	}
	contents := genai.Text(userText(message, history))

	var lastErr error
	for i := 0; i <= geminiMaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", errs.Wrap(errs.Unavailable, ctx.Err())
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
		}

		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
		if err != nil {
			var apiErr *genai.APIError
			if errors.As(err, &apiErr) && apiErr.Code != http.StatusTooManyRequests && apiErr.Code < 500 {
				// Rejected request, not a transient failure.
				return "", errs.Wrap(errs.Classification, err)
			}
			lastErr = err
			continue
		}

		text := strings.TrimSpace(resp.Text())
		if text == "" {
			return "", errs.New(errs.Classification, "el modelo no devolvió contenido")
		}
		logger.Debug("[LLM] gemini extract: completed in %v reply_len=%d", time.Since(start), len(text))
		return text, nil
	}

	logger.Error("[LLM] gemini extract: max retries exceeded after %v: %v", time.Since(start), lastErr)
	return "", errs.Wrap(errs.Unavailable, fmt.Errorf("max retries exceeded: %w", lastErr))
}

// Close releases the underlying API client. The genai client holds no
// resources that need explicit release.
func (g *geminiExtractor) Close() error {
	return nil
}
