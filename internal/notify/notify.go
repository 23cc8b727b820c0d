// Package notify publishes directory events to interested services.
// Delivery is best effort: a down sink never fails the request that
// produced the event.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EventSender identifies the account on whose behalf an event is emitted.
type EventSender struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Event is one notification.
type Event struct {
	Sender EventSender `json:"sender"`
	Topic  string      `json:"topic"`
	Title  string      `json:"title"`
}

// Sink accepts events for asynchronous delivery.
type Sink interface {
	Send(event Event)
}

// RedisSink publishes events as JSON on a Redis channel.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// Send publishes in the background so the calling request never waits on
// Redis.
func (s *RedisSink) Send(event Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		payload, err := json.Marshal(event)
		if err != nil {
			log.Error().Err(err).Str("topic", event.Topic).Msg("encoding notification")
			return
		}
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			log.Warn().Err(err).Str("topic", event.Topic).Msg("publishing notification failed")
		}
	}()
}

// NoopSink drops events, used when no notification backend is configured.
type NoopSink struct{}

func (NoopSink) Send(event Event) {
	log.Debug().Str("topic", event.Topic).Msg("notification dropped, no sink configured")
}
