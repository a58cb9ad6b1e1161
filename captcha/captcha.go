// Package captcha verifies bot-mitigation challenge responses.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"scriptorium/config"
)

// Verifier checks a challenge response submitted with a form.
type Verifier interface {
	Verify(ctx context.Context, response, remoteIP string) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, response, remoteIP string) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	return f(ctx, response, remoteIP)
}

// AlwaysPass accepts every response. Used when no secret is configured.
var AlwaysPass = VerifierFunc(func(context.Context, string, string) (bool, error) {
	return true, nil
})

type leveledSlog struct {
	inner *slog.Logger
}

// retries are expected, so client errors are logged as warnings
func (l leveledSlog) Error(msg string, keysAndValues ...any) { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Warn(msg string, keysAndValues ...any)  { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Info(msg string, keysAndValues ...any)  { l.inner.Info(msg, keysAndValues...) }
func (l leveledSlog) Debug(msg string, keysAndValues ...any) { l.inner.Debug(msg, keysAndValues...) }

// Recaptcha verifies responses against a reCAPTCHA-compatible siteverify
// endpoint.
type Recaptcha struct {
	secret    string
	verifyURL string
	client    *retryablehttp.Client
}

func NewRecaptcha(secret, verifyURL string) *Recaptcha {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: slog.Default().With("subsystem", "captcha")})

	return &Recaptcha{secret: secret, verifyURL: verifyURL, client: client}
}

// NewVerifier returns a Recaptcha verifier, or AlwaysPass when conf has
// no secret key.
func NewVerifier(conf config.CaptchaConfig) Verifier {
	if conf.SecretKey == "" {
		return AlwaysPass
	}
	return NewRecaptcha(conf.SecretKey, conf.VerifyURL)
}

type siteVerifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (r *Recaptcha) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	if response == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", r.secret)
	form.Set("response", response)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, r.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha verification request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha verification returned status %d", resp.StatusCode)
	}

	var body siteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decoding captcha verification: %w", err)
	}
	if !body.Success {
		slog.Debug("captcha rejected", "codes", body.ErrorCodes)
	}
	return body.Success, nil
}
