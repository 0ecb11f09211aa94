// Package bridge is the outbound client for the messaging bridge: group
// messages, batched lists, scheduled reminders, and the processing
// acknowledgement that releases the bridge's per-message slot.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-site-agent/internal/config"
)

// ErrSendFailed wraps any bridge call that failed after retries.
var ErrSendFailed = errors.New("bridge send failed")

// Client talks to the bridge over HTTP. Calls are paced by a token bucket
// shared by all workers in the process and retried with exponential backoff
// on transport errors and 5xx responses.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New builds a client from cfg. Retries is the total number of attempts.
func New(cfg config.BridgeConfig, log zerolog.Logger) *Client {
	retries := cfg.Retries - 1
	if retries < 0 {
		retries = 0
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With().Str("component", "bridge").Logger(),
	}
}

type sendMessageReq struct {
	GroupID string `json:"groupId"`
	Message string `json:"message"`
}

type consolidated struct {
	Info string `json:"consolidated_info"`
}

type sendMessagesReq struct {
	GroupID  string         `json:"groupId"`
	Messages []consolidated `json:"messages"`
}

type confirmReq struct {
	MessageID string `json:"messageId"`
}

type scheduleReq struct {
	GroupID   string `json:"groupId"`
	Name      string `json:"name"`
	StartDate string `json:"startDate"`
}

// SendMessage posts one text message to the group.
func (c *Client) SendMessage(ctx context.Context, groupID, text string) error {
	return c.post(ctx, "/send-message", sendMessageReq{GroupID: groupID, Message: text})
}

// SendMessages posts several messages in one call; the bridge delivers them
// in order.
func (c *Client) SendMessages(ctx context.Context, groupID string, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	body := sendMessagesReq{GroupID: groupID, Messages: make([]consolidated, len(messages))}
	for i, m := range messages {
		body.Messages[i] = consolidated{Info: m}
	}
	return c.post(ctx, "/send-messages", body)
}

// ConfirmProcessing acknowledges messageID so the bridge frees its slot.
func (c *Client) ConfirmProcessing(ctx context.Context, messageID string) error {
	return c.post(ctx, "/confirm-processing", confirmReq{MessageID: messageID})
}

// ScheduleMessage asks the bridge to post name to the group at startDate
// (local ISO-8601).
func (c *Client) ScheduleMessage(ctx context.Context, groupID, name, startDate string) error {
	return c.post(ctx, "/schedule-message", scheduleReq{GroupID: groupID, Name: name, StartDate: startDate})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSendFailed, path, err)
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSendFailed, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: status %d: %s", ErrSendFailed, path, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode()).
		Dur("elapsed", time.Since(start)).
		Msg("bridge call ok")
	return nil
}
