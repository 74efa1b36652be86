package websub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
)

// ErrHubRejected is returned when the hub answers a subscription request with non-2xx.
var ErrHubRejected = errors.New("websub: hub rejected request")

// SubscriptionStore records the outcome of hub requests.
type SubscriptionStore interface {
	SetSubscription(ctx context.Context, agentID string, sub models.Subscription) error
}

// Client sends subscribe and unsubscribe requests to the hub.
type Client struct {
	http        *http.Client
	hubURL      string
	callbackURL string
	secret      string
	lease       int
	buffer      time.Duration
	store       SubscriptionStore
	log         logger.Logger
	now         func() time.Time
}

// NewClient builds a hub client.
func NewClient(cfg config.Config, st SubscriptionStore, log logger.Logger) *Client {
	return &Client{
		http:        &http.Client{Timeout: 30 * time.Second},
		hubURL:      cfg.WebSubHubURL,
		callbackURL: cfg.WebSubCallbackURL,
		secret:      cfg.WebSubSecret,
		lease:       cfg.WebSubLeaseSeconds,
		buffer:      cfg.WebSubRenewalBuffer,
		store:       st,
		log:         log,
		now:         time.Now,
	}
}

// Subscribe asks the hub to deliver the agent's channel feed. On acceptance the lease is
// recorded as subscribed; the hub's verification callback confirms it again. On
// rejection the subscription is marked error.
func (c *Client) Subscribe(ctx context.Context, agent models.Agent) error {
	topic := TopicURL(agent.ChannelID)
	if err := c.request(ctx, ModeSubscribe, topic); err != nil {
		c.record(ctx, agent.ID, models.Subscription{
			TopicURL:    topic,
			CallbackURL: c.callbackURL,
			Status:      models.SubscriptionError,
		})
		return err
	}
	expires := leaseExpiry(c.now(), c.lease, c.buffer)
	c.record(ctx, agent.ID, models.Subscription{
		TopicURL:     topic,
		CallbackURL:  c.callbackURL,
		LeaseSeconds: c.lease,
		ExpiresAt:    &expires,
		Status:       models.SubscriptionSubscribed,
	})
	return nil
}

// Unsubscribe asks the hub to stop delivering the agent's channel feed.
func (c *Client) Unsubscribe(ctx context.Context, agent models.Agent) error {
	topic := TopicURL(agent.ChannelID)
	if err := c.request(ctx, ModeUnsubscribe, topic); err != nil {
		c.record(ctx, agent.ID, models.Subscription{
			TopicURL:    topic,
			CallbackURL: c.callbackURL,
			Status:      models.SubscriptionError,
		})
		return err
	}
	c.record(ctx, agent.ID, models.Subscription{
		TopicURL:    topic,
		CallbackURL: c.callbackURL,
		Status:      models.SubscriptionExpired,
	})
	return nil
}

func (c *Client) request(ctx context.Context, mode, topic string) error {
	form := url.Values{
		"hub.mode":     {mode},
		"hub.topic":    {topic},
		"hub.callback": {c.callbackURL},
		"hub.verify":   {"async"},
	}
	if mode == ModeSubscribe {
		form.Set("hub.lease_seconds", strconv.Itoa(c.lease))
		if c.secret != "" {
			form.Set("hub.secret", c.secret)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build hub request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub %s: %w", mode, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrHubRejected, mode, resp.StatusCode)
	}
	return nil
}

func (c *Client) record(ctx context.Context, agentID string, sub models.Subscription) {
	if err := c.store.SetSubscription(ctx, agentID, sub); err != nil {
		c.log.Warn("record subscription failed",
			logger.String("agent_id", agentID),
			logger.String("status", sub.Status),
			logger.Error(err))
	}
}
