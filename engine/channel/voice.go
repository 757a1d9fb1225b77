package channel

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/taskping/taskping/engine/core"
	"github.com/taskping/taskping/engine/reminder"
	"github.com/taskping/taskping/pkg/logger"

	"github.com/go-resty/resty/v2"
)

// providerIDTTL bounds how long a provider-id mapping is kept. Inbound events
// for reminders older than this are already settled or timed out.
const providerIDTTL = 72 * time.Hour

// TwilioConfig holds the shared telephony credentials for voice and SMS.
type TwilioConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	FromPhone  string
	// Phones maps assignee id to E.164 phone number.
	Phones map[string]string
}

// Voice places a call, reads the reminder out loud and records the spoken
// reply. The transcript arrives later through the webhook gateway; the call
// SID is bound to the correlation token because transcripts cannot carry it.
type Voice struct {
	http    *resty.Client
	cfg     TwilioConfig
	mapping ProviderIDMap
}

func NewVoice(cfg TwilioConfig, mapping ProviderIDMap) *Voice {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken)
	return &Voice{http: client, cfg: cfg, mapping: mapping}
}

func (v *Voice) Type() core.ChannelType {
	return core.ChannelVoice
}

func (v *Voice) Usable(assigneeID string) bool {
	return v.cfg.AccountSID != "" && v.cfg.Phones[assigneeID] != ""
}

type twilioCreateResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Say     string   `xml:"Say"`
	Record  struct {
		Transcribe string `xml:"transcribe,attr"`
		MaxLength  int    `xml:"maxLength,attr"`
	} `xml:"Record"`
}

func voiceScript(body string) (string, error) {
	doc := twiml{Say: body}
	doc.Record.Transcribe = "true"
	doc.Record.MaxLength = 60
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (v *Voice) Send(ctx context.Context, rec *reminder.State, msg Message) (DispatchReceipt, error) {
	phone, ok := v.cfg.Phones[rec.AssigneeID]
	if !ok || phone == "" {
		return DispatchReceipt{}, NewPermanentError(fmt.Errorf("no phone for assignee %s", rec.AssigneeID))
	}
	script, err := voiceScript(msg.Body)
	if err != nil {
		return DispatchReceipt{}, NewPermanentError(fmt.Errorf("building call script: %w", err))
	}
	var out twilioCreateResponse
	resp, err := v.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":    phone,
			"From":  v.cfg.FromPhone,
			"Twiml": script,
		}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", v.cfg.AccountSID))
	if err != nil {
		return DispatchReceipt{}, NewTransientError(fmt.Errorf("placing call: %w", err))
	}
	if resp.IsError() {
		callErr := fmt.Errorf("placing call: status=%d message=%q", resp.StatusCode(), out.Message)
		return DispatchReceipt{}, classifyHTTPStatus(resp.StatusCode(), callErr)
	}
	if err := v.mapping.Bind(ctx, out.SID, msg.Token, providerIDTTL); err != nil {
		// Call already went out; a lost mapping only degrades correlation.
		logger.FromContext(ctx).Warn("binding call sid failed",
			"sid", out.SID, "token", msg.Token, "error", err)
	}
	return DispatchReceipt{ProviderID: out.SID, Channel: core.ChannelVoice}, nil
}
