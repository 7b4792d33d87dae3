package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ProviderError is a non-2xx answer from the payment provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider: status %d: %s", e.StatusCode, e.Body)
}

type YooKassaConfig struct {
	ShopID    string
	SecretKey string
	BaseURL   string
	ReturnURL string
	Currency  string
}

type YooKassaClient struct {
	cfg    YooKassaConfig
	Client *http.Client
}

type ykAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type ykConfirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type ykCreateReq struct {
	Amount       ykAmount       `json:"amount"`
	Confirmation ykConfirmation `json:"confirmation"`
	Capture      bool           `json:"capture"`
	Description  string         `json:"description"`
}

type ykPayment struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Confirmation *ykConfirmation `json:"confirmation,omitempty"`
}

func NewYooKassaClient(cfg YooKassaConfig) *YooKassaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.yookassa.ru/v3"
	}
	if cfg.Currency == "" {
		cfg.Currency = "RUB"
	}
	return &YooKassaClient{
		cfg:    cfg,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreatePayment opens an auto-captured payment with a redirect checkout.
func (c *YooKassaClient) CreatePayment(ctx context.Context, amount int, description string) (*CreatedPayment, error) {
	if amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	body := ykCreateReq{
		Amount:       ykAmount{Value: fmt.Sprintf("%d.00", amount), Currency: c.cfg.Currency},
		Confirmation: ykConfirmation{Type: "redirect", ReturnURL: c.cfg.ReturnURL},
		Capture:      true,
		Description:  description,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode payment")
	}

	var out ykPayment
	if err := c.do(ctx, http.MethodPost, "/payments", b, &out); err != nil {
		return nil, err
	}
	if out.ID == "" || out.Confirmation == nil || out.Confirmation.ConfirmationURL == "" {
		return nil, errors.New("payment provider returned no checkout url")
	}
	return &CreatedPayment{ID: out.ID, CheckoutURL: out.Confirmation.ConfirmationURL}, nil
}

func (c *YooKassaClient) GetPaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error) {
	if strings.TrimSpace(paymentID) == "" {
		return "", errors.New("payment id is required")
	}
	var out ykPayment
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &out); err != nil {
		return "", err
	}
	switch out.Status {
	case "succeeded":
		return PaymentSucceeded, nil
	case "canceled":
		return PaymentFailed, nil
	case "pending", "waiting_for_capture":
		return PaymentPending, nil
	default:
		return "", errors.Errorf("unexpected payment status %q", out.Status)
	}
}

func (c *YooKassaClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return errors.Wrap(err, "build payment request")
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "payment provider request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode payment response")
}
