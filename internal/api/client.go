// Package api fetches chat history and conversation lists from the booking
// backend's REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/sony/gobreaker"

	"github.com/careline/careline/internal/chat"
	"github.com/careline/careline/internal/proto"
)

var log = logging.Logger("api")

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("api: backend unavailable")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %s", e.Method, e.URL, e.Status)
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens the
	// breaker. Zero uses 5.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	cb *gobreaker.CircuitBreaker
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	failures := opts.BreakerFailures

	st := gobreaker.Settings{
		Name:        "history",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// 4xx means the request was wrong, not that the backend is down.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infof("breaker %s: %s -> %s", name, from, to)
		},
	}

	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		HTTP:    &http.Client{Timeout: opts.Timeout},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// getJSON performs an authorized GET through the breaker and decodes the
// JSON body into v.
func (c *Client) getJSON(ctx context.Context, u, token string, v any) error {
	_, err := c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		if resp.StatusCode/100 != 2 {
			return nil, &StatusError{Method: http.MethodGet, URL: u, Code: resp.StatusCode, Status: resp.Status}
		}
		return nil, json.NewDecoder(resp.Body).Decode(v)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// FetchMessages returns the full history of one conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID, token string) ([]chat.Message, error) {
	if conversationID == "" {
		return nil, errors.New("api: empty conversation id")
	}
	u := c.BaseURL + "/api/chat/messages/" + url.PathEscape(conversationID)

	var out []chat.Message
	if err := c.getJSON(ctx, u, token, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ConversationID == "" {
			out[i].ConversationID = conversationID
		}
	}
	log.Debugf("fetched %d messages for %s", len(out), conversationID)
	return out, nil
}

// FetchConversations returns the conversation list of a user in role.
func (c *Client) FetchConversations(ctx context.Context, role proto.Role, userID, token string) ([]chat.ConversationRecord, error) {
	if !role.Valid() || userID == "" {
		return nil, fmt.Errorf("api: bad conversation query role=%q user=%q", role, userID)
	}
	u := c.BaseURL + "/api/chat/conversations/" + url.PathEscape(string(role)) + "/" + url.PathEscape(userID)

	var out []chat.ConversationRecord
	if err := c.getJSON(ctx, u, token, &out); err != nil {
		return nil, err
	}
	log.Debugf("fetched %d conversations for %s %s", len(out), role, userID)
	return out, nil
}
