package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"elias/app/configs"
	"elias/app/pkg/errs"
	"elias/app/pkg/logger"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openaiExtractor struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewOpenAI builds the OpenAI-compatible extractor. Quota and server
// failures are retried by the SDK transport; the reply is constrained
// to a JSON object via the response format.
func NewOpenAI(cfg configs.LLMConfig) (*openaiExtractor, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errs.New(errs.Validation, "falta la credencial de OpenAI")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}

	client := openai.NewClient(
		option.WithAPIKey(key),
		option.WithMaxRetries(3),
		option.WithRequestTimeout(cfg.Timeout()),
	)

	return &openaiExtractor{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   int64(cfg.MaxOutputTokens),
	}, nil
}

func (o *openaiExtractor) Name() string {
	return fmt.Sprintf("openai:%s", o.model)
}

func (o *openaiExtractor) Extract(ctx context.Context, instruction, message string, history []string) (string, error) {
	start := time.Now()
	logger.Debug("[LLM] openai extract: model=%s history=%d msg_len=%d", o.model, len(history), len(message))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instruction),
			openai.UserMessage(userText(message, history)),
		},
		Temperature:         openai.Float(o.temperature),
		MaxCompletionTokens: openai.Int(o.maxTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusTooManyRequests && apiErr.StatusCode < 500 {
			return "", errs.Wrap(errs.Classification, err)
		}
		logger.Error("[LLM] openai extract: failed after %v: %v", time.Since(start), err)
		return "", errs.Wrap(errs.Unavailable, err)
	}

	if len(resp.Choices) == 0 {
		return "", errs.New(errs.Classification, "el modelo no devolvió contenido")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errs.New(errs.Classification, "el modelo no devolvió contenido")
	}
	logger.Debug("[LLM] openai extract: completed in %v reply_len=%d", time.Since(start), len(text))
	return text, nil
}
