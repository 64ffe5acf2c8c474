package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSMSSender posts SMS messages to a provider's JSON API. It makes
// exactly one request per message.
type HTTPSMSSender struct {
	client   *http.Client
	endpoint string
	apiKey   string
	senderID string
}

// NewHTTPSMSSender creates a sender for endpoint. A nil client gets a
// 30s-timeout default.
func NewHTTPSMSSender(client *http.Client, endpoint, apiKey, senderID string) *HTTPSMSSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSMSSender{client: client, endpoint: endpoint, apiKey: apiKey, senderID: senderID}
}

type smsRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body"`
	Reference string `json:"reference,omitempty"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// SendSMS delivers one SMS and returns the provider message id.
func (s *HTTPSMSSender) SendSMS(ctx context.Context, memberID, phone, body string) (string, error) {
	payload, err := json.Marshal(smsRequest{To: phone, From: s.senderID, Body: body, Reference: memberID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out smsResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 300 {
		reason := out.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, reason)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("sms provider returned no message id")
	}
	return out.MessageID, nil
}
