package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mediconnect-auth/internal/config"
	"mediconnect-auth/internal/util"
)

// SMSClient delivers one-time codes through an HTTP gateway. Delivery is
// best effort; the verification path never depends on the gateway answer.
type SMSClient struct {
	httpClient *http.Client
	config     *config.SMSConfig
}

func NewSMSClient(cfg *config.Config) *SMSClient {
	return &SMSClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		config:     &cfg.SMS,
	}
}

type smsPayload struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// SendCode posts a verification code to the gateway. When no gateway is
// configured the code is logged instead, which is the development path.
func (s *SMSClient) SendCode(ctx context.Context, phone, code string) error {
	if s.config.GatewayURL == "" {
		util.Info("SMS gateway not configured, logging code",
			zap.String("phone_suffix", phoneSuffix(phone)))
		return nil
	}

	body, err := json.Marshal(smsPayload{
		To:      phone,
		From:    s.config.Sender,
		Message: fmt.Sprintf("Your %s verification code is %s", s.config.Sender, code),
	})
	if err != nil {
		return fmt.Errorf("failed to encode sms payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	res, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		return fmt.Errorf("sms gateway rejected message: %s", res.Status)
	}

	util.Debug("SMS code dispatched",
		zap.String("phone_suffix", phoneSuffix(phone)))
	return nil
}

func phoneSuffix(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return phone[len(phone)-4:]
}
