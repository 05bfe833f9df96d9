package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mkopo-labs/mkopo/internal"
	gatewaytypes "github.com/mkopo-labs/mkopo/internal/core/datamodel/gateway"
)

// TransportError marks a network-level failure: the request may or may not
// have reached the gateway, so the outcome is unknown. Callers must not treat
// it as a rejection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError is a definitive gateway-level rejection, carrying the
// gateway's result code vocabulary.
type RequestError struct {
	Code        string
	Description string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway rejected request: %s (%s)", e.Description, e.Code)
}

// Client is a synchronous wrapper around the external mobile-money API. It
// holds no payment state; every state change is applied by the ledger. The
// configuration is injected so sandbox and production clients coexist.
type Client struct {
	cfg        internal.GatewayConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg internal.GatewayConfig, logger *slog.Logger) *Client {
	cfg.ApplyDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Push asks the gateway to prompt the payer's device. The acknowledgement
// carries the two correlation ids later echoed in the callback; it does not
// mean the payer has paid.
func (c *Client) Push(ctx context.Context, req *gatewaytypes.PushRequest) (*gatewaytypes.PushAck, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102150405")
	payload := map[string]interface{}{
		"short_code":   c.cfg.ShortCode,
		"password":     c.requestPassword(timestamp),
		"timestamp":    timestamp,
		"phone_number": req.PayerPhone,
		"amount":       req.AmountCents,
		"account_ref":  req.AccountRef,
		"callback_url": c.cfg.CallbackURL,
	}

	var resp struct {
		CheckoutID   string `json:"checkout_request_id"`
		MerchantRef  string `json:"merchant_request_id"`
		ResponseCode string `json:"response_code"`
		ResponseDesc string `json:"response_description"`
	}
	if err := c.post(ctx, "push", "/collections/push", payload, &resp); err != nil {
		return nil, err
	}

	if resp.ResponseCode != "0" {
		return nil, &RequestError{Code: resp.ResponseCode, Description: resp.ResponseDesc}
	}

	c.logger.Info("push accepted by gateway",
		"checkout_id", resp.CheckoutID,
		"merchant_ref", resp.MerchantRef)

	return &gatewaytypes.PushAck{
		CheckoutID:  resp.CheckoutID,
		MerchantRef: resp.MerchantRef,
	}, nil
}

// QueryStatus asks the gateway for the authoritative state of a previously
// pushed request. Read-only at the gateway, safe to repeat.
func (c *Client) QueryStatus(ctx context.Context, checkoutID string) (*gatewaytypes.StatusResult, error) {
	timestamp := time.Now().UTC().Format("20060102150405")
	payload := map[string]interface{}{
		"short_code":          c.cfg.ShortCode,
		"password":            c.requestPassword(timestamp),
		"timestamp":           timestamp,
		"checkout_request_id": checkoutID,
	}

	var resp struct {
		ResultCode  string `json:"result_code"`
		ResultDesc  string `json:"result_description"`
		Receipt     string `json:"receipt_number"`
		Amount      int64  `json:"amount"`
		PhoneNumber string `json:"phone_number"`
	}
	if err := c.post(ctx, "query", "/collections/query", payload, &resp); err != nil {
		return nil, err
	}

	return &gatewaytypes.StatusResult{
		Outcome:     MapResultCode(resp.ResultCode),
		ResultCode:  resp.ResultCode,
		Description: resp.ResultDesc,
		Receipt:     resp.Receipt,
		AmountCents: resp.Amount,
		PayerPhone:  resp.PhoneNumber,
	}, nil
}

// Reverse unwinds a settled transfer identified by its receipt. The gateway
// treats reversal requests idempotently per receipt, but the caller still
// must not auto-retry money movement.
func (c *Client) Reverse(ctx context.Context, receipt string, amountCents int64, reason string) (*gatewaytypes.ReversalResult, error) {
	payload := map[string]interface{}{
		"short_code": c.cfg.ShortCode,
		"receipt":    receipt,
		"amount":     amountCents,
		"remarks":    reason,
	}

	var resp struct {
		ReversalID   string `json:"reversal_id"`
		ResponseCode string `json:"response_code"`
		ResponseDesc string `json:"response_description"`
	}
	if err := c.post(ctx, "reverse", "/reversals", payload, &resp); err != nil {
		return nil, err
	}

	if resp.ResponseCode != "0" {
		return nil, &RequestError{Code: resp.ResponseCode, Description: resp.ResponseDesc}
	}

	return &gatewaytypes.ReversalResult{ReversalID: resp.ReversalID}, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload interface{}, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("gateway call failed at transport level", "op", op, "error", err)
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		// 5xx means the gateway's state is unknown, not a rejection.
		return &TransportError{Op: op, Err: fmt.Errorf("gateway returned status %d", resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var gwErr struct {
			Code        string `json:"error_code"`
			Description string `json:"error_message"`
		}
		if err := json.Unmarshal(respBody, &gwErr); err == nil && gwErr.Code != "" {
			return &RequestError{Code: gwErr.Code, Description: gwErr.Description}
		}
		return &RequestError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Description: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// accessToken returns a cached bearer token, fetching a fresh one when the
// cached token is within a minute of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/token?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Op: "token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &TransportError{Op: "token", Err: fmt.Errorf("token endpoint returned status %d", resp.StatusCode)}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.token = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *Client) requestPassword(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
}

// MapResultCode translates the gateway's result-code vocabulary into an
// internal outcome. Codes not in the table are ambiguous: the reconciler
// treats them as "try again later" before the deadline and expiry after it.
func MapResultCode(code string) gatewaytypes.Outcome {
	switch code {
	case "0":
		return gatewaytypes.OutcomeSuccess
	case "1", "1032", "1025", "2001":
		// insufficient funds, cancelled by payer, push failed, wrong PIN
		return gatewaytypes.OutcomeFailed
	case "1037":
		// payer unreachable; the prompt may still be pending on the device
		return gatewaytypes.OutcomeAmbiguous
	case "404", "404.001.04":
		return gatewaytypes.OutcomeNotFound
	default:
		return gatewaytypes.OutcomeAmbiguous
	}
}
