package channel

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// providerTokenLifetime is how long a signed provider token is reused before
// re-signing. The provider accepts tokens up to an hour old.
const providerTokenLifetime = 50 * time.Minute

// PushAdapter delivers push notifications over the provider's signed-JWT HTTP
// protocol: each request carries a short-lived ES256 token minted from the
// team's signing key.
type PushAdapter struct {
	client  *http.Client
	baseURL string
	topic   string
	keyID   string
	teamID  string
	key     *ecdsa.PrivateKey
	logger  *zap.Logger

	mu          sync.Mutex
	cachedToken string
	tokenMinted time.Time
}

type PushConfig struct {
	BaseURL    string // provider endpoint, e.g. https://api.push.example.com
	Topic      string // app bundle identifier
	KeyID      string
	TeamID     string
	PrivateKey []byte // PEM-encoded EC private key
	Timeout    time.Duration
}

// NewPushAdapter creates a push adapter from the provider signing key.
func NewPushAdapter(cfg PushConfig, logger *zap.Logger) (*PushAdapter, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse push signing key: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &PushAdapter{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		topic:   cfg.Topic,
		keyID:   cfg.KeyID,
		teamID:  cfg.TeamID,
		key:     key,
		logger:  logger,
	}, nil
}

func (a *PushAdapter) Channel() Channel {
	return ChannelPush
}

// Send delivers one push notification to a device token. A 410 from the
// provider means the token is no longer registered and is reported as a
// permanent failure so the registration can be deactivated.
func (a *PushAdapter) Send(ctx context.Context, address string, content Content) (*Result, error) {
	if address == "" {
		return nil, &PermanentError{Err: fmt.Errorf("empty device token")}
	}

	token, err := a.providerToken()
	if err != nil {
		return nil, fmt.Errorf("sign provider token: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{
				"title": content.Title,
				"body":  content.Body,
			},
		},
		"data": content.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal push payload: %w", err)
	}

	url := fmt.Sprintf("%s/3/device/%s", a.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-topic", a.topic)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		msgID := resp.Header.Get("apns-id")
		a.logger.Info("push delivered",
			zap.String("device_token", address),
			zap.String("message_id", msgID),
		)
		return &Result{ProviderMessageID: msgID}, nil

	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusBadRequest:
		return nil, &PermanentError{
			Err: fmt.Errorf("provider rejected token: %d %s", resp.StatusCode, string(respBody)),
		}

	default:
		return nil, fmt.Errorf("push provider returned %d: %s", resp.StatusCode, string(respBody))
	}
}

// providerToken returns a cached signed token, re-signing when it nears the
// provider's age limit.
func (a *PushAdapter) providerToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachedToken != "" && time.Since(a.tokenMinted) < providerTokenLifetime {
		return a.cachedToken, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.teamID,
		"iat": now.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = a.keyID

	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", err
	}

	a.cachedToken = signed
	a.tokenMinted = now
	return signed, nil
}
