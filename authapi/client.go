package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/authpipe/session"
)

// MaxResponseSize caps how much of an auth server response is read.
const MaxResponseSize = 1 << 20

var (
	// ErrInvalidCredentials is returned when the server rejects the
	// presented password or credential.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited is returned on HTTP 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrCodeRejected is returned when the server rejects a TOTP or backup
	// code.
	ErrCodeRejected = errors.New("code rejected")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded
	// into the expected shape.
	ErrMalformedResponse = errors.New("malformed auth response")
)

// StatusError carries a non-2xx response that did not map to a sentinel.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("auth server returned %d: %s", e.StatusCode, e.Message)
}

// Doer sends HTTP requests. *http.Client and *gateway.Gateway implement it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Paths names the auth endpoints relative to the base URL.
type Paths struct {
	Login                 string
	Refresh               string
	Generate              string
	Verify                string
	Authenticate          string
	Disable               string
	RegenerateBackupCodes string
	Status                string
}

// DefaultPaths returns the standard endpoint layout.
func DefaultPaths() Paths {
	return Paths{
		Login:                 "/auth/login",
		Refresh:               "/auth/refresh-token",
		Generate:              "/auth/2fa/generate",
		Verify:                "/auth/2fa/verify",
		Authenticate:          "/auth/2fa/authenticate",
		Disable:               "/auth/2fa/disable",
		RegenerateBackupCodes: "/auth/2fa/backup-codes/regenerate",
		Status:                "/auth/2fa/status",
	}
}

func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&p.Login, d.Login)
	fill(&p.Refresh, d.Refresh)
	fill(&p.Generate, d.Generate)
	fill(&p.Verify, d.Verify)
	fill(&p.Authenticate, d.Authenticate)
	fill(&p.Disable, d.Disable)
	fill(&p.RegenerateBackupCodes, d.RegenerateBackupCodes)
	fill(&p.Status, d.Status)
	return p
}

// PendingStepUp is the intermediate credential returned by a login that
// still needs a second factor.
type PendingStepUp struct {
	UserID    string `json:"userId"`
	TempToken string `json:"tempToken"`
}

// LoginResult holds exactly one of Session or StepUp.
type LoginResult struct {
	Session *session.Session
	StepUp  *PendingStepUp
}

// TokenPair is the outcome of a refresh.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Enrollment is a freshly issued TOTP secret.
type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"qrCodeUrl"`
	BackupCodes     []string `json:"backupCodes"`
}

// Status reports whether step-up is enabled for the current user.
type Status struct {
	Enabled              bool `json:"enabled"`
	BackupCodesRemaining int  `json:"backupCodesRemaining"`
}

// Client is a typed client for the auth endpoints.
type Client struct {
	baseURL *url.URL
	doer    Doer
	paths   Paths
}

// NewClient creates a [Client] for baseURL. Empty fields of paths fall
// back to [DefaultPaths].
func NewClient(baseURL string, doer Doer, paths Paths) (*Client, error) {
	if doer == nil {
		return nil, errors.New("authapi: nil doer")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("authapi: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("authapi: base url %q must be absolute", baseURL)
	}
	return &Client{baseURL: u, doer: doer, paths: paths.withDefaults()}, nil
}

// Paths returns the effective endpoint layout.
func (c *Client) Paths() Paths {
	return c.paths
}

// URL resolves path against the base URL.
func (c *Client) URL(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

type sessionWire struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	User         session.User `json:"user"`
	TenantID     string       `json:"tenantId"`
}

func (w sessionWire) session() (*session.Session, error) {
	if w.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrMalformedResponse)
	}
	s := &session.Session{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		ExpiresAt:    session.ResolveExpiry(w.AccessToken, w.ExpiresAt),
		User:         w.User,
		TenantID:     w.TenantID,
	}
	if s.TenantID == "" {
		s.TenantID = w.User.TenantID
	}
	return s, nil
}

// Login posts credentials. A 2FA-enabled account yields a StepUp result.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	body := map[string]string{"email": email, "password": password}

	var out struct {
		sessionWire
		RequiresTwoFactor bool   `json:"requiresTwoFactor"`
		UserID            string `json:"userId"`
		TempToken         string `json:"tempToken"`
	}
	if err := c.call(ctx, http.MethodPost, c.paths.Login, "", body, &out, ErrInvalidCredentials); err != nil {
		return nil, err
	}

	if out.RequiresTwoFactor {
		if out.TempToken == "" || out.UserID == "" {
			return nil, fmt.Errorf("%w: step-up response without temp token", ErrMalformedResponse)
		}
		return &LoginResult{StepUp: &PendingStepUp{UserID: out.UserID, TempToken: out.TempToken}}, nil
	}

	s, err := out.session()
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: s}, nil
}

// Refresh exchanges refreshToken for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken, userID string) (*TokenPair, error) {
	body := map[string]string{"refreshToken": refreshToken, "userId": userID}

	var out TokenPair
	if err := c.call(ctx, http.MethodPost, c.paths.Refresh, "", body, &out, ErrInvalidCredentials); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", ErrMalformedResponse)
	}
	out.ExpiresAt = session.ResolveExpiry(out.AccessToken, out.ExpiresAt)
	return &out, nil
}

// GenerateTwoFactor asks the server to issue a new TOTP secret.
func (c *Client) GenerateTwoFactor(ctx context.Context) (*Enrollment, error) {
	var out Enrollment
	if err := c.call(ctx, http.MethodPost, c.paths.Generate, "", struct{}{}, &out, nil); err != nil {
		return nil, err
	}
	if out.Secret == "" {
		return nil, fmt.Errorf("%w: missing secret", ErrMalformedResponse)
	}
	return &out, nil
}

// VerifyTwoFactor commits enrollment of secret when code matches it.
func (c *Client) VerifyTwoFactor(ctx context.Context, secret, code string) error {
	body := map[string]string{"secret": secret, "code": code}
	return c.call(ctx, http.MethodPost, c.paths.Verify, "", body, nil, ErrCodeRejected)
}

// AuthenticateTwoFactor completes a step-up login using the intermediate
// credential in pending.
func (c *Client) AuthenticateTwoFactor(ctx context.Context, pending PendingStepUp, code string, isBackupCode bool) (*session.Session, error) {
	body := struct {
		UserID       string `json:"userId"`
		Code         string `json:"code"`
		IsBackupCode bool   `json:"isBackupCode"`
	}{UserID: pending.UserID, Code: code, IsBackupCode: isBackupCode}

	var out sessionWire
	if err := c.call(ctx, http.MethodPost, c.paths.Authenticate, pending.TempToken, body, &out, ErrCodeRejected); err != nil {
		return nil, err
	}
	return out.session()
}

// DisableTwoFactor turns step-up off after confirming password.
func (c *Client) DisableTwoFactor(ctx context.Context, password string) error {
	body := map[string]string{"password": password}
	return c.call(ctx, http.MethodPost, c.paths.Disable, "", body, nil, ErrInvalidCredentials)
}

// RegenerateBackupCodes replaces the backup codes and returns the new batch.
func (c *Client) RegenerateBackupCodes(ctx context.Context) ([]string, error) {
	var out struct {
		BackupCodes []string `json:"backupCodes"`
	}
	if err := c.call(ctx, http.MethodPost, c.paths.RegenerateBackupCodes, "", struct{}{}, &out, nil); err != nil {
		return nil, err
	}
	if len(out.BackupCodes) == 0 {
		return nil, fmt.Errorf("%w: empty backup code batch", ErrMalformedResponse)
	}
	return out.BackupCodes, nil
}

// TwoFactorStatus reads the current step-up status.
func (c *Client) TwoFactorStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.call(ctx, http.MethodGet, c.paths.Status, "", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// call sends one request. rejected, when non-nil, is wrapped around 400
// and 401 responses.
func (c *Client) call(ctx context.Context, method, path, bearer string, in, out any, rejected error) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("authapi: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return fmt.Errorf("authapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp.StatusCode, data, rejected)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func readResponse(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("authapi: read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("authapi: response exceeded %d bytes", MaxResponseSize)
	}
	return data, nil
}

func handleErrorResponse(statusCode int, body []byte, rejected error) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := ""
	if err := json.Unmarshal(body, &apiErr); err == nil {
		msg = apiErr.Error
		if msg == "" {
			msg = apiErr.Message
		}
	}

	statusErr := &StatusError{StatusCode: statusCode, Message: msg}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, statusErr)
	case rejected != nil && (statusCode == http.StatusBadRequest || statusCode == http.StatusUnauthorized):
		return fmt.Errorf("%w: %w", rejected, statusErr)
	default:
		return statusErr
	}
}
