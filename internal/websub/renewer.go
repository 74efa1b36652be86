package websub

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/logger"
	"github.com/JeffreyAdu/church-media-automation/internal/models"
	"github.com/JeffreyAdu/church-media-automation/internal/telemetry"
)

// DueStore lists subscriptions that need renewal.
type DueStore interface {
	SubscriptionsDue(ctx context.Context, before time.Time) ([]models.Agent, error)
}

// Subscriber renews a subscription at the hub.
type Subscriber interface {
	Subscribe(ctx context.Context, agent models.Agent) error
}

// Renewer re-subscribes leases that fall due within the lookahead window.
type Renewer struct {
	store     DueStore
	hub       Subscriber
	lookahead time.Duration
	schedule  string
	log       logger.Logger
	now       func() time.Time
}

// NewRenewer builds a renewer that sweeps on cfg.WebSubRenewSchedule.
func NewRenewer(cfg config.Config, st DueStore, hub Subscriber, log logger.Logger) *Renewer {
	schedule := cfg.WebSubRenewSchedule
	if schedule == "" {
		schedule = "@every 12h"
	}
	return &Renewer{
		store:     st,
		hub:       hub,
		lookahead: cfg.WebSubRenewLookahead,
		schedule:  schedule,
		log:       log,
		now:       time.Now,
	}
}

// Sweep renews every due subscription. A failed renewal is marked error by the hub
// client and does not stop the sweep.
func (r *Renewer) Sweep(ctx context.Context) (renewed, failed int, err error) {
	agents, err := r.store.SubscriptionsDue(ctx, r.now().Add(r.lookahead))
	if err != nil {
		return 0, 0, fmt.Errorf("list due subscriptions: %w", err)
	}
	for _, agent := range agents {
		if ctx.Err() != nil {
			return renewed, failed, ctx.Err()
		}
		if err := r.hub.Subscribe(ctx, agent); err != nil {
			failed++
			telemetry.RenewalsTotal.WithLabelValues("failed").Inc()
			r.log.Warn("subscription renewal failed", logger.String("agent_id", agent.ID), logger.Error(err))
			continue
		}
		renewed++
		telemetry.RenewalsTotal.WithLabelValues("ok").Inc()
	}
	return renewed, failed, nil
}

// Run sweeps once at start and then on the configured schedule until ctx is done.
func (r *Renewer) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule renewals %q: %w", r.schedule, err)
	}
	r.sweep(ctx)
	c.Start()
	r.log.Info("subscription renewer started", logger.String("schedule", r.schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Renewer) sweep(ctx context.Context) {
	renewed, failed, err := r.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		r.log.Error("renewal sweep failed", logger.Error(err))
		return
	}
	if renewed+failed > 0 {
		r.log.Info("renewal sweep finished", logger.Int("renewed", renewed), logger.Int("failed", failed))
	}
}
