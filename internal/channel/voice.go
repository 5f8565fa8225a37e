package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// VoiceAdapter places calls through the telephony provider's HTTP API. The
// provider reads the content body aloud; the engine never sees call audio.
type VoiceAdapter struct {
	client    *http.Client
	baseURL   string
	authToken string
	callerID  string
	logger    *zap.Logger
}

type VoiceConfig struct {
	BaseURL   string
	AuthToken string
	CallerID  string
	Timeout   time.Duration
}

// NewVoiceAdapter creates a voice call adapter.
func NewVoiceAdapter(cfg VoiceConfig, logger *zap.Logger) *VoiceAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &VoiceAdapter{
		client:    &http.Client{Timeout: timeout},
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		callerID:  cfg.CallerID,
		logger:    logger,
	}
}

func (a *VoiceAdapter) Channel() Channel {
	return ChannelVoice
}

// Send places one call. A 400 from the provider means the number is not
// callable and is reported as a permanent failure.
func (a *VoiceAdapter) Send(ctx context.Context, address string, content Content) (*Result, error) {
	if address == "" {
		return nil, &PermanentError{Err: fmt.Errorf("empty phone number")}
	}
	if content.Body == "" {
		return nil, fmt.Errorf("voice content missing body")
	}

	body, err := json.Marshal(map[string]string{
		"to":     address,
		"from":   a.callerID,
		"script": content.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/calls", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create call request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var placed struct {
			CallID string `json:"call_id"`
		}
		_ = json.Unmarshal(respBody, &placed)

		a.logger.Info("voice call placed",
			zap.String("to", address),
			zap.String("call_id", placed.CallID),
		)
		return &Result{ProviderMessageID: placed.CallID}, nil

	case resp.StatusCode == http.StatusBadRequest:
		return nil, &PermanentError{
			Err: fmt.Errorf("provider rejected number: %s", string(respBody)),
		}

	default:
		return nil, fmt.Errorf("voice provider returned %d: %s", resp.StatusCode, string(respBody))
	}
}
