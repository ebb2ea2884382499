package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boddenberg/credit-ledger-go/internal/domain"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// BalanceChannel is the pub/sub channel carrying balance updates.
const BalanceChannel = "ledger:balance"

// RedisBroadcaster fans balance updates out to every replica. Each replica
// runs Run to deliver received updates to its local hub.
type RedisBroadcaster struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

// NewRedisBroadcaster creates a broadcaster delivering into hub.
func NewRedisBroadcaster(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, hub: hub, logger: logger}
}

// PushBalanceUpdate publishes the update instead of writing to sockets.
func (b *RedisBroadcaster) PushBalanceUpdate(ctx context.Context, accountID string, balance int64) error {
	payload, err := json.Marshal(domain.BalanceUpdate{AccountID: accountID, Credits: balance})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, BalanceChannel, string(payload)).Err(); err != nil {
		return fmt.Errorf("publish balance update: %w", err)
	}
	return nil
}

// Run subscribes to BalanceChannel until ctx is cancelled.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, BalanceChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", BalanceChannel, err)
	}
	b.logger.Info("balance broadcast subscribed", zap.String("channel", BalanceChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(ctx, msg.Payload)
		}
	}
}

func (b *RedisBroadcaster) deliver(ctx context.Context, payload string) {
	var u domain.BalanceUpdate
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		b.logger.Warn("discarding malformed balance update", zap.Error(err))
		return
	}
	_ = b.hub.PushBalanceUpdate(ctx, u.AccountID, u.Credits)
}
