// Package redisbridge relays broadcast envelopes between hub instances over
// Redis pub/sub, so a workspace's members reach each other regardless of
// which instance their socket landed on.
package redisbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Edyrichards/todo-realtime/internal/protocol"
)

// LocalBroadcaster is the hub-side delivery target for envelopes arriving
// from other instances.
type LocalBroadcaster interface {
	BroadcastLocal(env protocol.Envelope)
}

// wireEnvelope wraps a broadcast with the originating instance ID so a node
// can skip its own published messages.
type wireEnvelope struct {
	InstanceID string            `json:"instanceId"`
	Envelope   protocol.Envelope `json:"envelope"`
}

// Bridge relays workspace broadcasts between hub instances via Redis pub/sub.
type Bridge struct {
	client     *redis.Client
	channel    string
	instanceID string
	target     LocalBroadcaster
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// New creates a bridge from a Redis URL. Start must be called before the
// bridge relays anything.
func New(redisURL, channel string, target LocalBroadcaster, logger *slog.Logger) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:     redis.NewClient(opts),
		channel:    channel,
		instanceID: uuid.NewString(),
		target:     target,
		logger:     logger.With("component", "redis_bridge"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start subscribes to the broadcast channel and begins relaying envelopes.
func (b *Bridge) Start() error {
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	sub := b.client.Subscribe(b.ctx, b.channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(b.ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.active = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.listen(sub)

	b.logger.Info("redis bridge started",
		"instance_id", b.instanceID,
		"channel", b.channel,
	)
	return nil
}

// Publish sends an envelope to every other instance.
func (b *Bridge) Publish(env protocol.Envelope) error {
	data, err := json.Marshal(wireEnvelope{
		InstanceID: b.instanceID,
		Envelope:   env,
	})
	if err != nil {
		return fmt.Errorf("marshal bridge envelope: %w", err)
	}
	return b.client.Publish(b.ctx, b.channel, data).Err()
}

// Available reports whether the bridge is connected.
func (b *Bridge) Available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Stop unsubscribes and closes the Redis connection.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	b.active = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

// listen reads messages from the subscription and forwards them to the hub.
func (b *Bridge) listen(sub *redis.PubSub) {
	defer b.wg.Done()
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(msg)
		case <-b.ctx.Done():
			return
		}
	}
}

// handleMessage decodes a wire envelope and forwards non-self broadcasts to
// the local hub.
func (b *Bridge) handleMessage(msg *redis.Message) {
	var wire wireEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
		b.logger.Error("failed to decode bridge message", "error", err)
		return
	}

	if wire.InstanceID == b.instanceID {
		return
	}

	b.logger.Debug("relaying bridged envelope",
		"from_instance", wire.InstanceID,
		"kind", wire.Envelope.Type,
		"workspace_id", wire.Envelope.WorkspaceID,
	)
	b.target.BroadcastLocal(wire.Envelope)
}
