package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wingerapp/winger-backend/internal/pkg/env"
)

// MIPSClient drives the MIPS hosted card payment flow. Callback payloads
// are symmetrically encrypted; DecryptCallback must round-trip them through
// the processor's decrypt endpoint before any field becomes readable.
type MIPSClient struct {
	MerchantID       string
	EntityID         string
	OperatorID       string
	OperatorPassword string
	Username         string
	Password         string
	Salt             string
	CipherKey        string
	APIURL           string
	DecryptURL       string

	HTTPClient *http.Client
}

// MIPSPaymentRequest describes one hosted payment initiation.
type MIPSPaymentRequest struct {
	OrderID        string
	Amount         float64
	Currency       string
	IframeBehavior json.RawMessage
}

// MIPSCallback is the decrypted webhook payload.
type MIPSCallback struct {
	IDOrder       string `json:"id_order"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
}

// Succeeded reports whether the processor settled the payment.
func (c *MIPSCallback) Succeeded() bool {
	return c.Status == "SUCCESS"
}

// NewMIPSClientFromEnv builds a MIPS client from environment config.
func NewMIPSClientFromEnv() *MIPSClient {
	return &MIPSClient{
		MerchantID:       env.GetEnv("MIPS_MERCHANT_ID", ""),
		EntityID:         env.GetEnv("MIPS_ENTITY_ID", ""),
		OperatorID:       env.GetEnv("MIPS_OPERATOR_ID", ""),
		OperatorPassword: env.GetEnv("MIPS_OPERATOR_PASSWORD", ""),
		Username:         env.GetEnv("MIPS_USERNAME", ""),
		Password:         env.GetEnv("MIPS_PASSWORD", ""),
		Salt:             env.GetEnv("MIPS_SALT", ""),
		CipherKey:        env.GetEnv("MIPS_CYPHER_KEY", ""),
		APIURL:           env.GetEnv("MIPS_API_URL", ""),
		DecryptURL:       env.GetEnv("MIPS_DECRYPT_URL", ""),
		HTTPClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (c *MIPSClient) authHeader() string {
	creds := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return "Basic " + creds
}

func (c *MIPSClient) authentify() map[string]string {
	return map[string]string{
		"id_merchant":       c.MerchantID,
		"id_entity":         c.EntityID,
		"id_operator":       c.OperatorID,
		"operator_password": c.OperatorPassword,
	}
}

func (c *MIPSClient) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/html, application/xml, multipart/form-data, application/EDIFACT, text/plain")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mips request: %w", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mips request failed: status=%d body=%s", resp.StatusCode, string(out))
	}
	return out, nil
}

// CreatePayment initiates a hosted card payment and returns the processor's
// response (iframe/redirect details) untouched for the client.
func (c *MIPSClient) CreatePayment(ctx context.Context, req MIPSPaymentRequest) (json.RawMessage, error) {
	currency := req.Currency
	if strings.TrimSpace(currency) == "" {
		currency = "EUR"
	}

	payload := map[string]interface{}{
		"authentify": c.authentify(),
		"order": map[string]interface{}{
			"id_order": req.OrderID,
			"currency": currency,
			"amount":   req.Amount,
		},
		"request_mode": "simple",
		"touchpoint":   "web",
	}
	if len(req.IframeBehavior) > 0 {
		payload["iframe_behavior"] = req.IframeBehavior
	}

	return c.post(ctx, c.APIURL, payload)
}

// DecryptCallback sends the encrypted callback blob to the processor's
// decrypt endpoint and returns the readable order fields.
func (c *MIPSClient) DecryptCallback(ctx context.Context, cryptedData string) (*MIPSCallback, error) {
	payload := map[string]interface{}{
		"authentify":           c.authentify(),
		"salt":                 c.Salt,
		"cipher_key":           c.CipherKey,
		"received_crypted_data": cryptedData,
	}

	body, err := c.post(ctx, c.DecryptURL, payload)
	if err != nil {
		return nil, err
	}

	var cb MIPSCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("mips callback decode: %w", err)
	}
	if cb.IDOrder == "" {
		return nil, fmt.Errorf("mips callback missing id_order")
	}
	return &cb, nil
}
