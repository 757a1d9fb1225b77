package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/reminder"

	"github.com/go-resty/resty/v2"
)

// callbackPrefix namespaces button callback data so stray bot traffic is
// distinguishable from reminder replies.
const callbackPrefix = "tp"

// EncodeCallback packs the correlation token and action id into Telegram
// callback data. Stays well under Telegram's 64-byte limit with KSUID tokens.
func EncodeCallback(token core.ID, actionID string) string {
	return fmt.Sprintf("%s:%s:%s", callbackPrefix, token, actionID)
}

// DecodeCallback reverses EncodeCallback. ok is false for foreign payloads.
func DecodeCallback(data string) (token core.ID, actionID string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return "", "", false
	}
	return core.ID(parts[1]), parts[2], true
}

// TelegramConfig holds bot credentials and per-assignee chat references.
type TelegramConfig struct {
	BaseURL  string
	BotToken string
	// Chats maps assignee id to chat id.
	Chats map[string]string
}

// Telegram is the primary messaging adapter: an interactive bot message with
// status buttons whose callback data carries the correlation token.
type Telegram struct {
	http  *resty.Client
	token string
	chats map[string]string
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	client := resty.New().SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	return &Telegram{http: client, token: cfg.BotToken, chats: cfg.Chats}
}

func (t *Telegram) Type() core.ChannelType {
	return core.ChannelTelegram
}

func (t *Telegram) Usable(assigneeID string) bool {
	return t.token != "" && t.chats[assigneeID] != ""
}

type tgInlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type tgSendResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, rec *reminder.State, msg Message) (DispatchReceipt, error) {
	chatID, ok := t.chats[rec.AssigneeID]
	if !ok || chatID == "" {
		return DispatchReceipt{}, NewPermanentError(fmt.Errorf("no chat for assignee %s", rec.AssigneeID))
	}
	keyboard := make([][]tgInlineButton, 0, 1)
	row := make([]tgInlineButton, 0, len(msg.Actions))
	for _, action := range msg.Actions {
		row = append(row, tgInlineButton{
			Text:         action.Label,
			CallbackData: EncodeCallback(msg.Token, action.ID),
		})
	}
	if len(row) > 0 {
		keyboard = append(keyboard, row)
	}
	markup, err := json.Marshal(map[string]any{"inline_keyboard": keyboard})
	if err != nil {
		return DispatchReceipt{}, NewPermanentError(fmt.Errorf("encoding keyboard: %w", err))
	}
	var out tgSendResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id":      chatID,
			"text":         msg.Body,
			"reply_markup": string(markup),
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		return DispatchReceipt{}, NewTransientError(fmt.Errorf("telegram send: %w", err))
	}
	if resp.IsError() || !out.OK {
		sendErr := fmt.Errorf("telegram send: status=%d description=%q", resp.StatusCode(), out.Description)
		return DispatchReceipt{}, classifyHTTPStatus(resp.StatusCode(), sendErr)
	}
	return DispatchReceipt{
		ProviderID: fmt.Sprintf("%s:%d", chatID, out.Result.MessageID),
		Channel:    core.ChannelTelegram,
	}, nil
}

// -----------------------------------------------------------------------------
// Bot Updates (polled by the ingestion gateway)
// -----------------------------------------------------------------------------

type TelegramUpdate struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
	} `json:"callback_query"`
}

type tgUpdatesResponse struct {
	OK          bool             `json:"ok"`
	Result      []TelegramUpdate `json:"result"`
	Description string           `json:"description"`
}

// Updates drains pending bot updates starting after offset.
func (t *Telegram) Updates(ctx context.Context, offset int64) ([]TelegramUpdate, error) {
	var out tgUpdatesResponse
	resp, err := t.http.R().
		SetContext(ctx).
		SetQueryParam("offset", fmt.Sprintf("%d", offset)).
		SetResult(&out).
		Get(fmt.Sprintf("/bot%s/getUpdates", t.token))
	if err != nil {
		return nil, fmt.Errorf("telegram updates: %w", err)
	}
	if resp.IsError() || !out.OK {
		return nil, fmt.Errorf("telegram updates: status=%d description=%q", resp.StatusCode(), out.Description)
	}
	return out.Result, nil
}

// AnswerCallback acknowledges a button press so the client stops its spinner.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"callback_query_id": callbackID}).
		Post(fmt.Sprintf("/bot%s/answerCallbackQuery", t.token))
	if err != nil {
		return fmt.Errorf("telegram answer callback: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram answer callback: status=%d", resp.StatusCode())
	}
	return nil
}
