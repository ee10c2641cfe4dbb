package config

import "time"

// RelaysConfig lists the relay endpoints the engine talks to.
type RelaysConfig struct {
	Default        []string `mapstructure:"DEFAULT"         json:"default"         validate:"required,min=1,dive,relay_url"`
	Search         string   `mapstructure:"SEARCH"          json:"search"          validate:"omitempty,relay_url"`
	AllowLocalhost bool     `mapstructure:"ALLOW_LOCALHOST" json:"allow_localhost"`
}

// PoolConfig holds connection-manager settings.
type PoolConfig struct {
	// Admission gates.
	MaxConcurrentQueries int64 `mapstructure:"MAX_CONCURRENT_QUERIES" json:"max_concurrent_queries" validate:"required,min=1,max=256"`
	PerRelayConcurrency  int64 `mapstructure:"PER_RELAY_CONCURRENCY"  json:"per_relay_concurrency"  validate:"required,min=1,max=64"`

	// Steady-rate limiter with burst allowance.
	RatePerSecond float64 `mapstructure:"RATE_PER_SECOND" json:"rate_per_second" validate:"required,gt=0"`
	Burst         int     `mapstructure:"BURST"           json:"burst"           validate:"required,min=1"`

	// Reconnect policy.
	MaxRetries  int           `mapstructure:"MAX_RETRIES"  json:"max_retries"  validate:"required,min=1,max=20"`
	BackoffBase time.Duration `mapstructure:"BACKOFF_BASE" json:"backoff_base" validate:"required,reasonable_duration"`
	BackoffMax  time.Duration `mapstructure:"BACKOFF_MAX"  json:"backoff_max"  validate:"required,reasonable_duration"`
	Cooldown    time.Duration `mapstructure:"COOLDOWN"     json:"cooldown"     validate:"required,reasonable_duration"`

	// Operation timeouts.
	PublishTimeout time.Duration `mapstructure:"PUBLISH_TIMEOUT" json:"publish_timeout" validate:"required,reasonable_duration"`
	EOSETimeout    time.Duration `mapstructure:"EOSE_TIMEOUT"    json:"eose_timeout"    validate:"required,reasonable_duration"`

	// Per-subscription dedup bookkeeping.
	DedupMaxTracked int `mapstructure:"DEDUP_MAX_TRACKED" json:"dedup_max_tracked" validate:"required,min=64"`

	// Buffered events per subscription before drops.
	EventBuffer int `mapstructure:"EVENT_BUFFER" json:"event_buffer" validate:"required,min=16"`
}

// CacheConfig holds per-entity-class TTLs and capacity ceilings.
type CacheConfig struct {
	ProfileTTL    time.Duration `mapstructure:"PROFILE_TTL"     json:"profile_ttl"     validate:"required,reasonable_duration"`
	FollowListTTL time.Duration `mapstructure:"FOLLOW_LIST_TTL" json:"follow_list_ttl" validate:"required,reasonable_duration"`
	MuteListTTL   time.Duration `mapstructure:"MUTE_LIST_TTL"   json:"mute_list_ttl"   validate:"required,reasonable_duration"`
	BadgeSetTTL   time.Duration `mapstructure:"BADGE_SET_TTL"   json:"badge_set_ttl"   validate:"required,reasonable_duration"`
	RelayInfoTTL  time.Duration `mapstructure:"RELAY_INFO_TTL"  json:"relay_info_ttl"  validate:"required,reasonable_duration"`

	ProfileCapacity   int `mapstructure:"PROFILE_CAPACITY"    json:"profile_capacity"    validate:"required,min=16"`
	ListCapacity      int `mapstructure:"LIST_CAPACITY"       json:"list_capacity"       validate:"required,min=16"`
	RelayInfoCapacity int `mapstructure:"RELAY_INFO_CAPACITY" json:"relay_info_capacity" validate:"required,min=8"`
}
