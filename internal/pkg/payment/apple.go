package payment

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wingerapp/winger-backend/internal/pkg/env"
)

const (
	appleProductionAPIBaseURL = "https://api.storekit.itunes.apple.com"
	appleSandboxAPIBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"
)

// Apple subscription status codes as returned by the StoreKit server API.
const (
	AppleStatusActive       = 1
	AppleStatusExpired      = 2
	AppleStatusBillingRetry = 3
	AppleStatusGracePeriod  = 4
	AppleStatusRevoked      = 5
)

// AppleClient talks to Apple's StoreKit server API and verifies signed
// transaction tokens. All credentials are resolved once at construction.
type AppleClient struct {
	IssuerID   string
	KeyID      string
	BundleID   string
	APIBaseURL string

	privateKey []byte

	HTTPClient *http.Client
}

// AppleStatus is the normalized live-subscription view from Apple.
type AppleStatus struct {
	IsActive              bool
	Status                int
	ExpiresDate           *time.Time
	AutoRenew             bool
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
}

// AppleNotification is the decoded webhook envelope. Only the envelope
// routing fields come from the unverified outer token; the transaction
// claims must be taken from the verified nested signedTransactionInfo.
type AppleNotification struct {
	NotificationType      string
	Subtype               string
	NotificationUUID      string
	AutoRenewStatus       *bool
	SignedTransactionInfo string
}

type appleTransactionClaims struct {
	TransactionID         string  `json:"transactionId"`
	OriginalTransactionID string  `json:"originalTransactionId"`
	ProductID             string  `json:"productId"`
	PurchaseDate          int64   `json:"purchaseDate"`
	ExpiresDate           int64   `json:"expiresDate"`
	Price                 float64 `json:"price"`
	TransactionReason     string  `json:"transactionReason"`
	Environment           string  `json:"environment"`
	jwt.RegisteredClaims
}

type appleNotificationClaims struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		AutoRenewStatus       *bool  `json:"autoRenewStatus"`
	} `json:"data"`
	jwt.RegisteredClaims
}

// NewAppleClientFromEnv builds an Apple client from environment config. The
// signing key file is read exactly once here, never at call time.
func NewAppleClientFromEnv() *AppleClient {
	baseURL := appleSandboxAPIBaseURL
	if env.GetEnv("APPLE_ENVIRONMENT", "sandbox") == "production" {
		baseURL = appleProductionAPIBaseURL
	}

	var key []byte
	if path := strings.TrimSpace(env.GetEnv("APPLE_KEY_FILE", "")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("apple signing key %s unreadable: %v", path, err)
		} else {
			key = data
		}
	}

	return &AppleClient{
		IssuerID:   strings.TrimSpace(env.GetEnv("APPLE_ISSUER_ID", "")),
		KeyID:      strings.TrimSpace(env.GetEnv("APPLE_KEY_ID", "")),
		BundleID:   strings.TrimSpace(env.GetEnv("APPLE_BUNDLE_ID", "")),
		APIBaseURL: strings.TrimSpace(env.GetEnv("APPLE_API_BASE_URL", baseURL)),
		privateKey: key,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// VerifySignedTransaction verifies a StoreKit signed transaction token. The
// public key comes from the leaf certificate in the token's x5c chain and
// the signature must be ES256; no claim is trusted before the signature
// checks out.
func (c *AppleClient) VerifySignedTransaction(token string) (*Transaction, error) {
	claims := &appleTransactionClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}))

	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		chain, ok := t.Header["x5c"].([]interface{})
		if !ok || len(chain) == 0 {
			return nil, errors.New("no certificate chain in token header")
		}
		leaf, ok := chain[0].(string)
		if !ok {
			return nil, errors.New("malformed certificate chain in token header")
		}
		der, err := base64.StdEncoding.DecodeString(leaf)
		if err != nil {
			return nil, fmt.Errorf("decode leaf certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse leaf certificate: %w", err)
		}
		return cert.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify signed transaction: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("signed transaction token is not valid")
	}
	return claims.toTransaction(), nil
}

// DecodeNotification decodes a webhook envelope without verifying it. Only
// the routing fields may be read from the result; transaction data must go
// through VerifySignedTransaction on the nested signedTransactionInfo.
func (c *AppleClient) DecodeNotification(signedPayload string) (*AppleNotification, error) {
	claims := &appleNotificationClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(signedPayload, claims); err != nil {
		return nil, fmt.Errorf("decode notification payload: %w", err)
	}
	if claims.NotificationType == "" {
		return nil, errors.New("notification payload missing notificationType")
	}
	return &AppleNotification{
		NotificationType:      claims.NotificationType,
		Subtype:               claims.Subtype,
		NotificationUUID:      claims.NotificationUUID,
		AutoRenewStatus:       claims.Data.AutoRenewStatus,
		SignedTransactionInfo: claims.Data.SignedTransactionInfo,
	}, nil
}

// serverToken mints the short-lived bearer token for Apple's server API.
func (c *AppleClient) serverToken() (string, error) {
	if len(c.privateKey) == 0 {
		return "", errors.New("apple signing key is not configured")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("parse apple signing key: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.IssuerID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": c.BundleID,
	})
	token.Header["kid"] = c.KeyID
	return token.SignedString(key)
}

type appleStatusResponse struct {
	Data []struct {
		LastTransactions []struct {
			Status                int    `json:"status"`
			SignedTransactionInfo string `json:"signedTransactionInfo"`
		} `json:"lastTransactions"`
	} `json:"data"`
}

// SubscriptionStatus fetches the live subscription state for an
// originalTransactionId. A nil error with a nil result never happens; on
// network or API failure the error is returned and callers fall back to
// locally cached status instead of failing their request.
func (c *AppleClient) SubscriptionStatus(ctx context.Context, originalTransactionID string) (*AppleStatus, error) {
	token, err := c.serverToken()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", strings.TrimRight(c.APIBaseURL, "/"), originalTransactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apple subscription status request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("apple subscription status failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw appleStatusResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("apple subscription status decode: %w", err)
	}
	if len(raw.Data) == 0 || len(raw.Data[0].LastTransactions) == 0 {
		return &AppleStatus{IsActive: false}, nil
	}

	last := raw.Data[0].LastTransactions[0]
	status := &AppleStatus{
		IsActive: last.Status == AppleStatusActive,
		Status:   last.Status,
	}

	// The transaction info arrives over TLS directly from Apple's API, so
	// an unverified decode of the nested token is acceptable here.
	claims := &appleTransactionClaims{}
	if last.SignedTransactionInfo != "" {
		if _, _, err := jwt.NewParser().ParseUnverified(last.SignedTransactionInfo, claims); err == nil {
			tx := claims.toTransaction()
			status.ExpiresDate = tx.ExpiresDate
			status.TransactionID = tx.TransactionID
			status.OriginalTransactionID = tx.OriginalTransactionID
			status.ProductID = tx.ProductID
		}
	}

	log.Infof("apple subscription status original_transaction_id=%s status=%d active=%t",
		originalTransactionID, status.Status, status.IsActive)
	return status, nil
}

func (a *appleTransactionClaims) toTransaction() *Transaction {
	tx := &Transaction{
		TransactionID:         a.TransactionID,
		OriginalTransactionID: a.OriginalTransactionID,
		ProductID:             a.ProductID,
		PurchaseDate:          msToTime(a.PurchaseDate),
		Reason:                a.TransactionReason,
	}
	if a.ExpiresDate > 0 {
		t := msToTime(a.ExpiresDate)
		tx.ExpiresDate = &t
	}
	// Apple reports prices in milliunits of the currency.
	if a.Price > 0 {
		tx.Price = a.Price / 1000
	}
	return tx
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
