package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wingerapp/winger-backend/internal/pkg/env"
)

const (
	paypalLiveAPIBaseURL    = "https://api-m.paypal.com"
	paypalSandboxAPIBaseURL = "https://api-m.sandbox.paypal.com"
)

// PayPalClient queries the PayPal subscription API using the
// client-credentials grant. Tokens are reacquired per call; the calls are
// infrequent enough that caching buys nothing.
type PayPalClient struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string

	HTTPClient *http.Client
}

// PayPalSubscription is the slice of the subscription resource we consume.
type PayPalSubscription struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	StartTime   time.Time `json:"start_time"`
	Subscriber  struct {
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
	BillingInfo struct {
		NextBillingTime *time.Time `json:"next_billing_time"`
		LastPayment     struct {
			Amount struct {
				Value string `json:"value"`
			} `json:"amount"`
		} `json:"last_payment"`
	} `json:"billing_info"`
}

// NewPayPalClientFromEnv builds a PayPal client from environment config.
func NewPayPalClientFromEnv() *PayPalClient {
	baseURL := paypalSandboxAPIBaseURL
	if env.GetEnv("PAYPAL_MODE", "sandbox") == "live" {
		baseURL = paypalLiveAPIBaseURL
	}
	return &PayPalClient{
		ClientID:     strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_ID", "")),
		ClientSecret: strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_SECRET", "")),
		APIBaseURL:   strings.TrimSpace(env.GetEnv("PAYPAL_API_BASE_URL", baseURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return "", errors.New("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET are not configured")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.APIBaseURL, "/")+"/v1/oauth2/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.ClientID, c.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrPayPalUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: token request failed status=%d", ErrPayPalUnreachable, resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("paypal token response missing access_token")
	}
	return out.AccessToken, nil
}

// Subscription fetches a subscription resource by id. A missing resource
// returns ErrSubscriptionNotFound; transport or 5xx failures wrap
// ErrPayPalUnreachable so callers can fall back to cached state.
func (c *PayPalClient) Subscription(ctx context.Context, subscriptionID string) (*PayPalSubscription, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/billing/subscriptions/%s", strings.TrimRight(c.APIBaseURL, "/"), subscriptionID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayPalUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: subscription %s", ErrSubscriptionNotFound, subscriptionID)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrPayPalUnreachable, resp.StatusCode, string(body))
	}

	var sub PayPalSubscription
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("paypal subscription decode: %w", err)
	}
	return &sub, nil
}

// CancelSubscription cancels a subscription at PayPal.
func (c *PayPalClient) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"reason": reason})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/billing/subscriptions/%s/cancel", strings.TrimRight(c.APIBaseURL, "/"), subscriptionID),
		strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayPalUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("paypal cancellation failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return nil
}

// IsActiveStatus reports whether a PayPal status string should read as
// entitling. A cancelled subscription still inside its paid window is
// handled by the resolver's grace-period rule, not here.
func IsActivePayPalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "approved":
		return true
	default:
		return false
	}
}
