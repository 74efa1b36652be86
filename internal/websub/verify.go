// Package websub implements the hub side protocol for upstream channel feeds: intent
// verification, signed notification intake, hub subscribe requests and lease renewal.
package websub

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/store"
)

// SignatureHeader carries the hub's HMAC of the notification body.
const SignatureHeader = "X-Hub-Signature"

const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
)

const feedURL = "https://www.youtube.com/xml/feeds/videos.xml"

var (
	// ErrInvalidIntent rejects a verification request that is not ours to confirm.
	ErrInvalidIntent = failure.Protocol("verify intent", errors.New("websub: invalid intent"))
	// ErrMissingSignature is returned for an unsigned notification where one is required.
	ErrMissingSignature = failure.Protocol("verify signature", errors.New("websub: missing signature"))
	// ErrBadSignature is returned when the signature does not match the body.
	ErrBadSignature = failure.Protocol("verify signature", errors.New("websub: signature mismatch"))
)

var channelIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,64}$`)

// TopicURL is the feed topic for a channel.
func TopicURL(channelID string) string {
	return feedURL + "?channel_id=" + url.QueryEscape(channelID)
}

// ChannelFromTopic extracts the channel id from a feed topic URL.
func ChannelFromTopic(topic string) (string, bool) {
	u, err := url.Parse(topic)
	if err != nil || u.Scheme != "https" && u.Scheme != "http" {
		return "", false
	}
	if !strings.EqualFold(u.Host, "www.youtube.com") || u.Path != "/xml/feeds/videos.xml" {
		return "", false
	}
	id := u.Query().Get("channel_id")
	if !channelIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// Intent is a hub verification request.
type Intent struct {
	Mode         string
	Topic        string
	Challenge    string
	LeaseSeconds int
}

// LeaseStore records subscription leases on agents.
type LeaseStore interface {
	AgentByChannel(ctx context.Context, channelID string) (models.Agent, error)
	SetSubscription(ctx context.Context, agentID string, sub models.Subscription) error
}

// Verifier answers hub intent verification requests.
type Verifier struct {
	store       LeaseStore
	callbackURL string
	lease       int
	buffer      time.Duration
	log         logger.Logger
	now         func() time.Time
}

// NewVerifier builds a verifier that records confirmed leases in st.
func NewVerifier(cfg config.Config, st LeaseStore, log logger.Logger) *Verifier {
	return &Verifier{
		store:       st,
		callbackURL: cfg.WebSubCallbackURL,
		lease:       cfg.WebSubLeaseSeconds,
		buffer:      cfg.WebSubRenewalBuffer,
		log:         log,
		now:         time.Now,
	}
}

// VerifyIntent confirms a subscribe or unsubscribe for a known channel and returns the
// challenge to echo. Any other request yields ErrInvalidIntent.
func (v *Verifier) VerifyIntent(ctx context.Context, in Intent) (string, error) {
	if in.Mode != ModeSubscribe && in.Mode != ModeUnsubscribe {
		return "", fmt.Errorf("%w: mode %q", ErrInvalidIntent, in.Mode)
	}
	if in.Challenge == "" {
		return "", fmt.Errorf("%w: empty challenge", ErrInvalidIntent)
	}
	channelID, ok := ChannelFromTopic(in.Topic)
	if !ok {
		return "", fmt.Errorf("%w: topic %q", ErrInvalidIntent, in.Topic)
	}
	agent, err := v.store.AgentByChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown channel %s", ErrInvalidIntent, channelID)
	}
	if err != nil {
		return "", err
	}

	sub := models.Subscription{
		TopicURL:    in.Topic,
		CallbackURL: v.callbackURL,
		Status:      models.SubscriptionExpired,
	}
	if in.Mode == ModeSubscribe {
		lease := in.LeaseSeconds
		if lease <= 0 {
			lease = v.lease
		}
		expires := leaseExpiry(v.now(), lease, v.buffer)
		sub.LeaseSeconds = lease
		sub.ExpiresAt = &expires
		sub.Status = models.SubscriptionSubscribed
	}
	if err := v.store.SetSubscription(ctx, agent.ID, sub); err != nil {
		return "", fmt.Errorf("record lease: %w", err)
	}
	v.log.Info("hub intent verified",
		logger.String("agent_id", agent.ID),
		logger.String("mode", in.Mode),
		logger.Int("lease_seconds", sub.LeaseSeconds))
	return in.Challenge, nil
}

// leaseExpiry is when renewal becomes due: the lease end minus the renewal buffer.
func leaseExpiry(now time.Time, leaseSeconds int, buffer time.Duration) time.Time {
	lease := time.Duration(leaseSeconds) * time.Second
	if buffer >= lease {
		return now.Add(lease / 2)
	}
	return now.Add(lease - buffer)
}

// VerifySignature checks an X-Hub-Signature header of the form sha1=<hex> against the
// HMAC-SHA1 of body. Outside production an absent signature, or a missing secret, is
// accepted.
func VerifySignature(secret string, body []byte, header string, production bool) error {
	if header == "" {
		if production {
			return ErrMissingSignature
		}
		return nil
	}
	if secret == "" {
		if production {
			return ErrBadSignature
		}
		return nil
	}
	algo, sig, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(algo, "sha1") {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the header value a hub would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}
