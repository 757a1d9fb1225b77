package channel_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskping/taskping/engine/channel"
	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/reminder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenProviderIDMap struct{}

func (brokenProviderIDMap) Bind(context.Context, string, core.ID, time.Duration) error {
	return errors.New("redis: connection refused")
}

func (brokenProviderIDMap) Lookup(context.Context, string) (core.ID, error) {
	return "", channel.ErrUnknownProviderID
}

func testRecord(assignee string) *reminder.State {
	return &reminder.State{
		CorrelationToken: core.MustNewID(),
		TaskID:           "T1",
		AssigneeID:       assignee,
		Status:           core.StatusDispatched,
		Channel:          core.ChannelTelegram,
	}
}

func TestEncodeDecodeCallback(t *testing.T) {
	t.Run("Should round-trip token and action", func(t *testing.T) {
		token := core.MustNewID()
		data := channel.EncodeCallback(token, "done")
		got, action, ok := channel.DecodeCallback(data)
		require.True(t, ok)
		assert.Equal(t, token, got)
		assert.Equal(t, "done", action)
	})
	t.Run("Should reject foreign callback data", func(t *testing.T) {
		_, _, ok := channel.DecodeCallback("something-else")
		assert.False(t, ok)
		_, _, ok = channel.DecodeCallback("other:abc:def")
		assert.False(t, ok)
	})
}

func TestTelegram_Send(t *testing.T) {
	t.Run("Should send interactive message and return provider id", func(t *testing.T) {
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "42", r.FormValue("chat_id"))
			assert.Contains(t, r.FormValue("reply_markup"), "callback_data")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77}}`))
		}))
		defer srv.Close()
		adapter := channel.NewTelegram(channel.TelegramConfig{
			BaseURL:  srv.URL,
			BotToken: "bot-token",
			Chats:    map[string]string{"A1": "42"},
		})
		rec := testRecord("A1")
		receipt, err := adapter.Send(context.Background(), rec, channel.Message{
			Body:    "Task T1 needs attention",
			Actions: []channel.Action{{ID: "done", Label: "Done"}},
			Token:   rec.CorrelationToken,
		})
		require.NoError(t, err)
		assert.Equal(t, "/botbot-token/sendMessage", gotPath)
		assert.Equal(t, "42:77", receipt.ProviderID)
		assert.Equal(t, core.ChannelTelegram, receipt.Channel)
	})
	t.Run("Should fail permanently without chat mapping", func(t *testing.T) {
		adapter := channel.NewTelegram(channel.TelegramConfig{BotToken: "x", Chats: nil})
		_, err := adapter.Send(context.Background(), testRecord("unknown"), channel.Message{})
		require.Error(t, err)
		assert.False(t, channel.IsTransient(err))
	})
	t.Run("Should classify server errors as transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		adapter := channel.NewTelegram(channel.TelegramConfig{
			BaseURL: srv.URL, BotToken: "x", Chats: map[string]string{"A1": "42"},
		})
		_, err := adapter.Send(context.Background(), testRecord("A1"), channel.Message{})
		require.Error(t, err)
		assert.True(t, channel.IsTransient(err))
	})
}

func TestVoice_Send(t *testing.T) {
	t.Run("Should place call and bind call sid to token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "+15550001", r.FormValue("To"))
			assert.Contains(t, r.FormValue("Twiml"), "<Say>")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sid":"CA123","status":"queued"}`))
		}))
		defer srv.Close()
		mapping := channel.NewMemoryProviderIDMap()
		adapter := channel.NewVoice(channel.TwilioConfig{
			BaseURL:    srv.URL,
			AccountSID: "AC1",
			AuthToken:  "secret",
			FromPhone:  "+15550000",
			Phones:     map[string]string{"A1": "+15550001"},
		}, mapping)
		rec := testRecord("A1")
		receipt, err := adapter.Send(context.Background(), rec, channel.Message{
			Body:  "Task T1 is overdue",
			Token: rec.CorrelationToken,
		})
		require.NoError(t, err)
		assert.Equal(t, "CA123", receipt.ProviderID)
		token, err := mapping.Lookup(context.Background(), "CA123")
		require.NoError(t, err)
		assert.Equal(t, rec.CorrelationToken, token)
	})
	t.Run("Should succeed even when the sid binding fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sid":"CA777","status":"queued"}`))
		}))
		defer srv.Close()
		adapter := channel.NewVoice(channel.TwilioConfig{
			BaseURL: srv.URL, AccountSID: "AC1", FromPhone: "+15550000",
			Phones: map[string]string{"A1": "+15550001"},
		}, brokenProviderIDMap{})
		rec := testRecord("A1")
		receipt, err := adapter.Send(context.Background(), rec, channel.Message{
			Body: "call me back", Token: rec.CorrelationToken,
		})
		require.NoError(t, err)
		assert.Equal(t, "CA777", receipt.ProviderID)
	})
	t.Run("Should fail permanently on rejected call", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"invalid To number"}`))
		}))
		defer srv.Close()
		adapter := channel.NewVoice(channel.TwilioConfig{
			BaseURL: srv.URL, AccountSID: "AC1", Phones: map[string]string{"A1": "bad"},
		}, channel.NewMemoryProviderIDMap())
		_, err := adapter.Send(context.Background(), testRecord("A1"), channel.Message{})
		require.Error(t, err)
		assert.False(t, channel.IsTransient(err))
	})
}

func TestSMS_Send(t *testing.T) {
	t.Run("Should send text and bind message sid", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "reply DONE when finished", r.FormValue("Body"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sid":"SM9"}`))
		}))
		defer srv.Close()
		mapping := channel.NewMemoryProviderIDMap()
		adapter := channel.NewSMS(channel.TwilioConfig{
			BaseURL: srv.URL, AccountSID: "AC1", FromPhone: "+15550000",
			Phones: map[string]string{"A1": "+15550001"},
		}, mapping)
		rec := testRecord("A1")
		_, err := adapter.Send(context.Background(), rec, channel.Message{
			Body:  "reply DONE when finished",
			Token: rec.CorrelationToken,
		})
		require.NoError(t, err)
		token, err := mapping.Lookup(context.Background(), "SM9")
		require.NoError(t, err)
		assert.Equal(t, rec.CorrelationToken, token)
	})
	t.Run("Should succeed even when the sid binding fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"sid":"SM77"}`))
		}))
		defer srv.Close()
		adapter := channel.NewSMS(channel.TwilioConfig{
			BaseURL: srv.URL, AccountSID: "AC1", FromPhone: "+15550000",
			Phones: map[string]string{"A1": "+15550001"},
		}, brokenProviderIDMap{})
		rec := testRecord("A1")
		receipt, err := adapter.Send(context.Background(), rec, channel.Message{
			Body: "reply DONE when finished", Token: rec.CorrelationToken,
		})
		require.NoError(t, err)
		assert.Equal(t, "SM77", receipt.ProviderID)
	})
}

func TestMemoryProviderIDMap(t *testing.T) {
	t.Run("Should keep first binding on conflict", func(t *testing.T) {
		m := channel.NewMemoryProviderIDMap()
		first := core.MustNewID()
		require.NoError(t, m.Bind(context.Background(), "CA1", first, time.Hour))
		assert.Error(t, m.Bind(context.Background(), "CA1", core.MustNewID(), time.Hour))
		token, err := m.Lookup(context.Background(), "CA1")
		require.NoError(t, err)
		assert.Equal(t, first, token)
	})
	t.Run("Should report unknown provider ids", func(t *testing.T) {
		m := channel.NewMemoryProviderIDMap()
		_, err := m.Lookup(context.Background(), "missing")
		assert.ErrorIs(t, err, channel.ErrUnknownProviderID)
	})
}
