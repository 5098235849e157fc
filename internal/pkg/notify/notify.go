package notify

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// Action is the policy action a notification asks the resource layer to take.
type Action string

const (
	// ActionStop asks the resource layer to stop a resource whose account
	// went negative on a start or charge.
	ActionStop Action = "stop"
	// ActionRelease asks the resource layer to release a resource that has
	// been owing past the grace window.
	ActionRelease Action = "release"
	// ActionDestroy flags a resource whose owning account no longer exists.
	ActionDestroy Action = "destroy"
)

// Payload identifies the resource a notification is about.
type Payload struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	ResID    string `json:"res_id"`
	ResType  string `json:"res_type"`
	Region   string `json:"region"`
}

// Sink delivers fire-and-forget notifications, at-least-once, with no
// acknowledgement fed back into billing state.
type Sink interface {
	Emit(ctx context.Context, action Action, topic string, payload Payload)
}

type message struct {
	Action  Action  `json:"action"`
	Topic   string  `json:"topic"`
	Payload Payload `json:"payload"`
}

type redisSink struct {
	client *redis.Client
}

// NewRedisSink publishes notifications on the topic as a redis pub/sub
// channel.
func NewRedisSink(client *redis.Client) Sink {
	return &redisSink{client: client}
}

func (s *redisSink) Emit(ctx context.Context, action Action, topic string, payload Payload) {
	body, err := json.Marshal(message{Action: action, Topic: topic, Payload: payload})
	if err != nil {
		log.Errorf("[Notify] marshal %s notification: %v", action, err)
		return
	}
	if err := s.client.Publish(ctx, topic, body).Err(); err != nil {
		// Fire-and-forget: delivery failures must not feed back into
		// billing state.
		log.Errorf("[Notify] publish %s for %s: %v", action, payload.ResID, err)
	}
}

type logSink struct{}

// NewLogSink returns a sink that only logs, for local runs without redis.
func NewLogSink() Sink {
	return logSink{}
}

func (logSink) Emit(_ context.Context, action Action, topic string, payload Payload) {
	log.Infof("[Notify] %s %s res=%s tenant=%s region=%s",
		topic, action, payload.ResID, payload.TenantID, payload.Region)
}
