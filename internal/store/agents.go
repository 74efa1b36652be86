package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JeffreyAdu/church-media-automation/internal/models"
)

const agentColumns = `id, name, channel_id, status, intro_url, outro_url, topic_url, callback_url,
	lease_seconds, sub_expires_at, sub_status, created_at, updated_at`

func scanAgent(row pgx.Row) (models.Agent, error) {
	var a models.Agent
	var intro, outro, topic, callback, subStatus pgtype.Text
	var expires pgtype.Timestamptz
	err := row.Scan(&a.ID, &a.Name, &a.ChannelID, &a.Status, &intro, &outro, &topic, &callback,
		&a.Subscription.LeaseSeconds, &expires, &subStatus, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Agent{}, ErrNotFound
	}
	if err != nil {
		return models.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	a.IntroURL = textPtr(intro)
	a.OutroURL = textPtr(outro)
	a.Subscription.TopicURL = topic.String
	a.Subscription.CallbackURL = callback.String
	a.Subscription.Status = subStatus.String
	a.Subscription.ExpiresAt = timePtr(expires)
	return a, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// AgentByChannel fetches the agent that owns an upstream channel.
func (s *Store) AgentByChannel(ctx context.Context, channelID string) (models.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE channel_id = $1`, channelID))
}

// SetSubscription stores the agent's hub lease.
func (s *Store) SetSubscription(ctx context.Context, agentID string, sub models.Subscription) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET topic_url = $2, callback_url = $3, lease_seconds = $4, sub_expires_at = $5, sub_status = $6, updated_at = NOW()
		WHERE id = $1
	`, agentID, emptyToNil(sub.TopicURL), emptyToNil(sub.CallbackURL), sub.LeaseSeconds, sub.ExpiresAt, emptyToNil(sub.Status))
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SubscriptionsDue lists subscribed agents whose lease expires before the given time.
func (s *Store) SubscriptionsDue(ctx context.Context, before time.Time) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE sub_status = $1 AND sub_expires_at IS NOT NULL AND sub_expires_at <= $2
		ORDER BY sub_expires_at
	`, models.SubscriptionSubscribed, before)
	if err != nil {
		return nil, fmt.Errorf("query due subscriptions: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
