package premium

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/storage"
)

// ErrNotFound means put.io could not resolve a link to a file.
var ErrNotFound = errors.New("link not found on put.io")

// ErrNoCredential is returned when an account has no stored premium credential.
var ErrNoCredential = errors.New("no premium credential stored")

var errPending = errors.New("transfer still in progress")

// CredentialError means put.io rejected the stored token, or it belongs to
// another user.
type CredentialError struct {
	Username string
	Reason   string
	Err      error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential for %s rejected: %s: %v", e.Username, e.Reason, e.Err)
	}

	return fmt.Sprintf("credential for %s rejected: %s", e.Username, e.Reason)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Client talks to put.io on behalf of stored Premium credentials. The
// credential's password carries the OAuth token.
type Client struct {
	baseURL      *url.URL
	pollInterval time.Duration
	timeout      time.Duration
}

type Option func(*Client)

// WithBaseURL points the client at another put.io API root.
func WithBaseURL(u *url.URL) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

func WithPolling(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.timeout = timeout
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		pollInterval: 5 * time.Second,
		timeout:      30 * time.Minute,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) session(ctx context.Context, p *storage.Premium) *putio.Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.Password})
	client := putio.NewClient(oauth2.NewClient(ctx, tokenSource))

	if c.baseURL != nil {
		client.BaseURL = c.baseURL
	}

	return client
}

// Login checks that the token is valid and belongs to the stored username. It
// returns the put.io user id.
func (c *Client) Login(ctx context.Context, p *storage.Premium) (string, error) {
	if p == nil {
		return "", ErrNoCredential
	}

	logger := logctx.LoggerFromContext(ctx).With("username", p.Username)

	logger.InfoContext(ctx, "authenticating with Put.io")

	info, err := c.session(ctx, p).Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		if isStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
			return "", &CredentialError{Username: p.Username, Reason: "token rejected", Err: err}
		}

		return "", fmt.Errorf("failed to get account info: %w", err)
	}

	if p.Username != "" && info.Username != p.Username {
		return "", &CredentialError{
			Username: p.Username,
			Reason:   fmt.Sprintf("token belongs to %s", info.Username),
		}
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", info.Username)

	return strconv.FormatInt(info.UserID, 10), nil
}

// Resolve hands link to put.io and waits for the transfer to finish. It
// returns a direct download URL for the resulting file, or ErrNotFound when
// put.io refused or failed the link.
func (c *Client) Resolve(ctx context.Context, p *storage.Premium, link string) (string, error) {
	if p == nil {
		return "", ErrNoCredential
	}

	logger := logctx.LoggerFromContext(ctx).With("link", link)
	client := c.session(ctx, p)

	logger.InfoContext(ctx, "adding transfer to Put.io")

	t, err := client.Transfers.Add(ctx, link, 0, "")
	if err != nil {
		if isStatus(err, http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity) {
			return "", fmt.Errorf("%w: %w", ErrNotFound, err)
		}

		return "", fmt.Errorf("failed to add transfer: %w", err)
	}

	logger = logger.With("transfer_id", t.ID)
	logger.InfoContext(ctx, "transfer added to Put.io")

	fileID, err := backoff.Retry(ctx, func() (int64, error) {
		return c.transferFile(ctx, client, t.ID)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.pollInterval)),
		backoff.WithMaxElapsedTime(c.timeout),
	)
	if err != nil {
		return "", err
	}

	fileID, err = c.largestFile(ctx, client, fileID)
	if err != nil {
		return "", err
	}

	realURL, err := client.Files.URL(ctx, fileID, false)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get file download url", "file_id", fileID, "err", err)

		return "", fmt.Errorf("failed to get file download url: %w", err)
	}

	logger.InfoContext(ctx, "link resolved", "file_id", fileID)

	return realURL, nil
}

func (c *Client) transferFile(ctx context.Context, client *putio.Client, id int64) (int64, error) {
	t, err := client.Transfers.Get(ctx, id)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return 0, backoff.Permanent(fmt.Errorf("%w: transfer %d disappeared", ErrNotFound, id))
		}

		return 0, fmt.Errorf("failed to get transfer: %w", err)
	}

	switch t.Status {
	case "ERROR":
		return 0, backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, t.ErrorMessage))
	case "COMPLETED", "SEEDING":
		if t.FileID != 0 {
			return t.FileID, nil
		}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "waiting for transfer",
		"transfer_id", id, "status", t.Status, "percent_done", t.PercentDone)

	return 0, errPending
}

// largestFile picks the biggest file when a transfer produced a folder.
func (c *Client) largestFile(ctx context.Context, client *putio.Client, id int64) (int64, error) {
	file, err := client.Files.Get(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to get file: %w", err)
	}

	if !file.IsDir() {
		return file.ID, nil
	}

	children, _, err := client.Files.List(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to list files: %w", err)
	}

	var (
		best     int64
		bestSize int64 = -1
	)

	for _, f := range children {
		if f.IsDir() {
			continue
		}

		if f.Size > bestSize {
			best, bestSize = f.ID, f.Size
		}
	}

	if bestSize < 0 {
		return 0, fmt.Errorf("%w: transfer produced an empty folder", ErrNotFound)
	}

	return best, nil
}

func isStatus(err error, codes ...int) bool {
	var errResp *putio.ErrorResponse
	if !errors.As(err, &errResp) || errResp.Response == nil {
		return false
	}

	for _, code := range codes {
		if errResp.Response.StatusCode == code {
			return true
		}
	}

	return false
}
