package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/plcloud/metering/internal/pkg/env"
)

// Billing carries every tunable the billing core needs. It is built once at
// startup and passed into components at construction; the core itself never
// reads the environment.
type Billing struct {
	// ChargeSeconds is the charge quantum for hourly records, and the amount
	// window charged per opened period.
	ChargeSeconds int64
	// ChargeHours sizes the monthly charge window; the opened period spans
	// ChargeHours/24 days.
	ChargeHours int64
	// ReleaseHours is the grace window after which owing records are proposed
	// for release.
	ReleaseHours int64
	// Whitelist lists tenant ids that bypass balance admission control.
	Whitelist []string
	// Strict disables the soft-degrade policies (unknown account, non-numeric
	// usage) and fails loudly instead.
	Strict bool
	// NotifyTopic is the topic notifications are published under.
	NotifyTopic string
	// EventQueue is the redis list the lifecycle event consumer reads.
	EventQueue string
}

// Load builds the billing configuration from the environment.
func Load() Billing {
	return Billing{
		ChargeSeconds: getInt64("BILLING_CHARGE_SECONDS", 3600),
		ChargeHours:   getInt64("BILLING_CHARGE_HOURS", 720),
		ReleaseHours:  getInt64("BILLING_RELEASE_HOURS", 72),
		Whitelist:     getList("BILLING_WHITELIST"),
		Strict:        env.GetEnv("BILLING_STRICT", "false") == "true",
		NotifyTopic:   env.GetEnv("BILLING_NOTIFY_TOPIC", "plcloud.billing"),
		EventQueue:    env.GetEnv("BILLING_EVENT_QUEUE", "billing_events"),
	}
}

// Whitelisted reports whether a tenant bypasses balance checks.
func (b Billing) Whitelisted(tenantID string) bool {
	for _, id := range b.Whitelist {
		if id == tenantID {
			return true
		}
	}
	return false
}

// GraceWindow returns the release grace period as a duration.
func (b Billing) GraceWindow() time.Duration {
	return time.Duration(b.ReleaseHours) * time.Hour
}

func getInt64(key string, def int64) int64 {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func getList(key string) []string {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
