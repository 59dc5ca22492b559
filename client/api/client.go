package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/livecode-session/protocol"
)

const defaultRequestTimeout = 10 * time.Second

var (
	ErrCreate = errors.New("failed to create session")
	ErrFetch  = errors.New("failed to fetch session")
	ErrDelete = errors.New("failed to delete session")
)

type (
	Config struct {
		Logger  *zerolog.Logger
		BaseURL string

		// Optional.
		HTTPClient *http.Client
	}

	// Client wraps the relay's session endpoints.
	Client struct {
		logger zerolog.Logger
		base   *url.URL
		hc     *http.Client
	}
)

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("bad api url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		logger: cfg.Logger.With().Str("component", "api-client").Logger(),
		base:   base,
		hc:     hc,
	}, nil
}

func (c *Client) CreateSession(ctx context.Context, presenterName, language string) (*protocol.Session, error) {
	body, err := json.Marshal(&protocol.CreateSessionRequest{
		PresenterName: presenterName,
		Language:      language,
	})
	if err != nil {
		return nil, errors.Join(ErrCreate, err)
	}
	var sess protocol.Session
	if err = c.do(ctx, http.MethodPost, c.base.JoinPath("sessions"), body, &sess); err != nil {
		return nil, errors.Join(ErrCreate, err)
	}
	c.logger.Debug().Str("sessionID", sess.ID).Msg("session created")
	return &sess, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*protocol.Session, error) {
	var sess protocol.Session
	err := c.do(ctx, http.MethodGet, c.base.JoinPath("sessions", url.PathEscape(sessionID)), nil, &sess)
	if err != nil {
		return nil, errors.Join(ErrFetch, err)
	}
	return &sess, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodDelete, c.base.JoinPath("sessions", url.PathEscape(sessionID)), nil, nil)
	if err != nil {
		return errors.Join(ErrDelete, err)
	}
	c.logger.Debug().Str("sessionID", sessionID).Msg("session deleted")
	return nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("method", method).Str("url", u.String()).Msg("request failed")
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug().Int("status", resp.StatusCode).Str("url", u.String()).Msg("unexpected status")
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
