package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/reminder"
	"github.com/taskping/taskping/pkg/logger"

	"github.com/go-resty/resty/v2"
)

// SMS is the last-resort channel. Bodies are free text with no token, so the
// message SID is bound to the correlation token for inbound matching.
type SMS struct {
	http    *resty.Client
	cfg     TwilioConfig
	mapping ProviderIDMap
}

func NewSMS(cfg TwilioConfig, mapping ProviderIDMap) *SMS {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken)
	return &SMS{http: client, cfg: cfg, mapping: mapping}
}

func (s *SMS) Type() core.ChannelType {
	return core.ChannelSMS
}

func (s *SMS) Usable(assigneeID string) bool {
	return s.cfg.AccountSID != "" && s.cfg.Phones[assigneeID] != ""
}

func (s *SMS) Send(ctx context.Context, rec *reminder.State, msg Message) (DispatchReceipt, error) {
	phone, ok := s.cfg.Phones[rec.AssigneeID]
	if !ok || phone == "" {
		return DispatchReceipt{}, NewPermanentError(fmt.Errorf("no phone for assignee %s", rec.AssigneeID))
	}
	var out twilioCreateResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   phone,
			"From": s.cfg.FromPhone,
			"Body": msg.Body,
		}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", s.cfg.AccountSID))
	if err != nil {
		return DispatchReceipt{}, NewTransientError(fmt.Errorf("sending sms: %w", err))
	}
	if resp.IsError() {
		sendErr := fmt.Errorf("sending sms: status=%d message=%q", resp.StatusCode(), out.Message)
		return DispatchReceipt{}, classifyHTTPStatus(resp.StatusCode(), sendErr)
	}
	if err := s.mapping.Bind(ctx, out.SID, msg.Token, providerIDTTL); err != nil {
		// Message already went out; a lost mapping only degrades correlation.
		logger.FromContext(ctx).Warn("binding sms sid failed",
			"sid", out.SID, "token", msg.Token, "error", err)
	}
	return DispatchReceipt{ProviderID: out.SID, Channel: core.ChannelSMS}, nil
}
