package nlu

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskping/taskping/engine/core"

	"github.com/go-resty/resty/v2"
)

// Config for the transcription/NLU collaborator.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client asks the NLU collaborator for a best-effort classification of
// free text the keyword pass could not settle. Implements
// normalizer.Classifier.
type Client struct {
	http *resty.Client
}

func NewClient(cfg Config) *Client {
	client := resty.New().SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Client{http: client}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
}

func (c *Client) Classify(ctx context.Context, text string) (core.Outcome, float64, error) {
	var out classifyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(classifyRequest{Text: text}).
		SetResult(&out).
		Post("/v1/classify")
	if err != nil {
		return core.OutcomeUnrecognized, 0, fmt.Errorf("classifying text: %w", err)
	}
	if resp.IsError() {
		return core.OutcomeUnrecognized, 0, fmt.Errorf("classifying text: status=%d", resp.StatusCode())
	}
	switch outcome := core.Outcome(out.Outcome); outcome {
	case core.OutcomeDone, core.OutcomeBlocked, core.OutcomeInProgress:
		return outcome, out.Confidence, nil
	default:
		return core.OutcomeUnrecognized, out.Confidence, nil
	}
}
