// Package notify delivers account notifications such as password reset links.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"socoto.app/internal/obs"
)

// LogMailer writes reset links to the service log instead of sending mail.
// It is meant for local development.
type LogMailer struct {
	log *logrus.Logger
}

func NewLogMailer(log *logrus.Logger) *LogMailer {
	if log == nil {
		log = obs.Logger()
	}
	return &LogMailer{log: log}
}

func (m *LogMailer) SendPasswordReset(_ context.Context, to, link string, expiresAt time.Time) error {
	m.log.WithFields(logrus.Fields{
		"to":         to,
		"link":       link,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	}).Info("password reset mail")
	return nil
}

// HTTPMailer posts messages as JSON to a mail relay.
type HTTPMailer struct {
	endpoint string
	apiKey   string
	from     string
	client   *http.Client
}

type message struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
}

func NewHTTPMailer(endpoint, apiKey, from string, timeout time.Duration) (*HTTPMailer, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("mail relay url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMailer{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (m *HTTPMailer) SendPasswordReset(ctx context.Context, to, link string, expiresAt time.Time) error {
	body, err := json.Marshal(message{
		From:     m.from,
		To:       to,
		Template: "password_reset",
		Variables: map[string]string{
			"link":       link,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("encode mail: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
