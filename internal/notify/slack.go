package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidahmann/finagent/pkg/types"
)

// SlackWebhookSink posts to a Slack incoming webhook.
type SlackWebhookSink struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackWebhookSink(webhookURL string) *SlackWebhookSink {
	return &SlackWebhookSink{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackElement struct {
	Type     string    `json:"type"`
	Text     slackText `json:"text"`
	ActionID string    `json:"action_id,omitempty"`
	URL      string    `json:"url,omitempty"`
	Style    string    `json:"style,omitempty"`
	Value    string    `json:"value,omitempty"`
}

type slackBlock struct {
	Type     string         `json:"type"`
	Text     *slackText     `json:"text,omitempty"`
	Elements []slackElement `json:"elements,omitempty"`
}

type slackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks"`
}

// BuildSlackMessage renders message and buttons as Block Kit.
func BuildSlackMessage(channel, message string, buttons []types.ActionButton) ([]byte, error) {
	msg := slackMessage{
		Channel: channel,
		Text:    message,
		Blocks: []slackBlock{{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: message},
		}},
	}
	if len(buttons) > 0 {
		actions := slackBlock{Type: "actions"}
		for _, b := range buttons {
			el := slackElement{
				Type:     "button",
				Text:     slackText{Type: "plain_text", Text: b.Text},
				ActionID: b.Action,
				URL:      b.URL,
				Value:    b.Action,
			}
			if b.Style == "primary" || b.Style == "danger" {
				el.Style = b.Style
			}
			actions.Elements = append(actions.Elements, el)
		}
		msg.Blocks = append(msg.Blocks, actions)
	}
	return json.Marshal(msg)
}

func (s *SlackWebhookSink) Send(ctx context.Context, channel, message string, buttons []types.ActionButton) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook url not configured")
	}
	body, err := BuildSlackMessage(channel, message, buttons)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
