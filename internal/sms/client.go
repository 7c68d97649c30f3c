package sms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Sender delivers outbound text messages.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
	Configured() bool
}

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	// BaseURL defaults to https://api.twilio.com.
	BaseURL string
}

// HTTPClient sends messages through the provider's REST API.
type HTTPClient struct {
	http *http.Client
	cfg  Config
}

func NewClient(cfg Config) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{
		http: &http.Client{Timeout: 15 * time.Second},
		cfg:  cfg,
	}
}

func (c *HTTPClient) Configured() bool {
	return c.cfg.AccountSID != "" && c.cfg.AuthToken != "" && c.cfg.From != ""
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts one message and returns the provider's message SID.
func (c *HTTPClient) Send(ctx context.Context, to, body string) (string, error) {
	if !c.Configured() {
		return "", errors.New("sms client not configured")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.From)
	form.Set("Body", body)

	endpoint := c.cfg.BaseURL + "/2010-04-01/Accounts/" + url.PathEscape(c.cfg.AccountSID) + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "building sms request")
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "sending sms")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode/100 != 2 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
			return "", errors.Errorf("sms send: %s: %s (code %d)", resp.Status, ae.Message, ae.Code)
		}
		return "", errors.Errorf("sms send: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var parsed struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.Wrap(err, "decoding sms response")
	}
	return parsed.SID, nil
}
