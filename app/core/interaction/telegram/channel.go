// Package telegram long-polls the Bot API and adapts updates to
// messages: plain texts, slash commands, and inline-button callback
// queries. Replies go out as Markdown with optional inline keyboards.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"elias/app/pkg/logger"
	"elias/app/pkg/types"
)

const defaultAPIRoot = "https://api.telegram.org"

// Dedup filters updates a previous run already handled. The first call
// for an update ID returns true; replays return false.
type Dedup interface {
	MarkUpdateProcessed(ctx context.Context, channelID string, updateID int64) (bool, error)
}

type Config struct {
	BotToken       string
	APIRoot        string
	PollInterval   time.Duration
	TimeoutSeconds int // getUpdates long-poll timeout
	DefaultChatID  string
}

type Channel struct {
	cfg    Config
	id     string
	client *http.Client
	dedup  Dedup

	counter uint64
	offset  int64

	mu      sync.RWMutex
	handler func(types.Message)
}

func NewChannel(cfg Config) *Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 20
	}
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	return &Channel{
		cfg: cfg,
		id:  "telegram",
		// The client outlives one long poll; ctx handles cancellation.
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds+10) * time.Second},
	}
}

// SetDedup installs the processed-update ledger. Without one, replayed
// updates after a restart are handled again.
func (c *Channel) SetDedup(d Dedup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dedup = d
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	if strings.TrimSpace(c.cfg.BotToken) == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("[Telegram] poll error: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Send delivers one reply. Button rows become an inline keyboard; text
// goes out with Markdown formatting.
func (c *Channel) Send(ctx context.Context, msg types.Message) error {
	chatID := c.resolveChatID(msg)
	if chatID == "" {
		return fmt.Errorf("telegram chat id is required")
	}

	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       msg.Content,
		"parse_mode": "Markdown",
	}
	if keyboard := inlineKeyboard(msg.Buttons); keyboard != nil {
		payload["reply_markup"] = keyboard
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

func (c *Channel) pollOnce(ctx context.Context) error {
	result := getUpdatesResponse{}
	offset := atomic.LoadInt64(&c.offset)
	payload := map[string]interface{}{
		"timeout": c.cfg.TimeoutSeconds,
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	if err := c.call(ctx, "getUpdates", payload, &result); err != nil {
		return err
	}

	c.mu.RLock()
	handler := c.handler
	dedup := c.dedup
	c.mu.RUnlock()
	if handler == nil {
		return nil
	}

	for _, upd := range result.Result {
		if upd.UpdateID >= atomic.LoadInt64(&c.offset) {
			atomic.StoreInt64(&c.offset, upd.UpdateID+1)
		}

		msg, ok := c.toMessage(upd)
		if !ok {
			continue
		}
		// Answer callbacks before the dedup check: a redelivered
		// callback still needs answerCallbackQuery or the button
		// spinner hangs on the user's screen.
		if upd.CallbackQuery.ID != "" {
			c.answerCallback(ctx, upd.CallbackQuery.ID)
		}
		if dedup != nil {
			first, err := dedup.MarkUpdateProcessed(ctx, c.id, upd.UpdateID)
			if err != nil {
				logger.Warn("[Telegram] dedup check failed for update %d: %v", upd.UpdateID, err)
			} else if !first {
				logger.Debug("[Telegram] skipping replayed update %d", upd.UpdateID)
				continue
			}
		}
		handler(msg)
	}
	return nil
}

// toMessage adapts one update. Callback queries carry the button token
// as content; plain messages carry their text (or caption).
func (c *Channel) toMessage(upd update) (types.Message, bool) {
	if cb := upd.CallbackQuery; cb.ID != "" {
		token := strings.TrimSpace(cb.Data)
		if token == "" {
			return types.Message{}, false
		}
		return types.Message{
			ID:        c.newID("tg"),
			Content:   token,
			Role:      types.MessageRoleUser,
			ChannelID: c.id,
			UserID:    strconv.FormatInt(cb.From.ID, 10),
			ChatID:    strconv.FormatInt(cb.Message.Chat.ID, 10),
			RequestID: requestID(upd.UpdateID),
			Callback:  true,
			Timestamp: time.Now(),
			Meta:      map[string]interface{}{"first_name": cb.From.FirstName},
		}, true
	}

	if upd.Message.MessageID == 0 {
		return types.Message{}, false
	}
	text := strings.TrimSpace(upd.Message.Text)
	if text == "" {
		text = strings.TrimSpace(upd.Message.Caption)
	}
	if text == "" {
		return types.Message{}, false
	}
	return types.Message{
		ID:        c.newID("tg"),
		Content:   text,
		Role:      types.MessageRoleUser,
		ChannelID: c.id,
		UserID:    strconv.FormatInt(upd.Message.From.ID, 10),
		ChatID:    strconv.FormatInt(upd.Message.Chat.ID, 10),
		RequestID: requestID(upd.UpdateID),
		Timestamp: time.Now(),
		Meta:      map[string]interface{}{"first_name": upd.Message.From.FirstName},
	}, true
}

func (c *Channel) answerCallback(ctx context.Context, callbackID string) {
	payload := map[string]interface{}{"callback_query_id": callbackID}
	if err := c.call(ctx, "answerCallbackQuery", payload, nil); err != nil {
		logger.Warn("[Telegram] answerCallbackQuery failed: %v", err)
	}
}

func (c *Channel) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	url := strings.TrimRight(c.cfg.APIRoot, "/") + "/bot" + c.cfg.BotToken + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var base apiResponse
	if err := json.Unmarshal(respBody, &base); err != nil {
		return err
	}
	if !base.OK {
		return fmt.Errorf("telegram api error: %s", base.Description)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) resolveChatID(msg types.Message) string {
	if strings.TrimSpace(msg.ChatID) != "" {
		return strings.TrimSpace(msg.ChatID)
	}
	if strings.TrimSpace(msg.UserID) != "" {
		return strings.TrimSpace(msg.UserID)
	}
	return strings.TrimSpace(c.cfg.DefaultChatID)
}

func inlineKeyboard(rows [][]types.Button) map[string]interface{} {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]map[string]string, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		line := make([]map[string]string, 0, len(row))
		for _, b := range row {
			line = append(line, map[string]string{
				"text":          b.Label,
				"callback_data": b.Token,
			})
		}
		keyboard = append(keyboard, line)
	}
	if len(keyboard) == 0 {
		return nil
	}
	return map[string]interface{}{"inline_keyboard": keyboard}
}

func (c *Channel) newID(prefix string) string {
	seq := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq)
}

// requestID is stable per update so a replayed update reuses the same
// dedup keys downstream.
func requestID(updateID int64) string {
	return "tg-" + strconv.FormatInt(updateID, 10)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

type getUpdatesResponse struct {
	apiResponse
	Result []update `json:"result"`
}

type update struct {
	UpdateID      int64           `json:"update_id"`
	Message       incomingMessage `json:"message"`
	CallbackQuery callbackQuery   `json:"callback_query"`
}

type incomingMessage struct {
	MessageID int64  `json:"message_id"`
	From      sender `json:"from"`
	Chat      chat   `json:"chat"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
}

type sender struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
}

type chat struct {
	ID int64 `json:"id"`
}

type callbackQuery struct {
	ID      string          `json:"id"`
	From    sender          `json:"from"`
	Message incomingMessage `json:"message"`
	Data    string          `json:"data"`
}
