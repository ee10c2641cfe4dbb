package config

// RankingConfig holds the scoring knobs for the feed ranking engine.
type RankingConfig struct {
	Engagement EngagementWeights `mapstructure:"ENGAGEMENT" json:"engagement" validate:"required"`
	Social     SocialBoosts      `mapstructure:"SOCIAL"     json:"social"     validate:"required"`
	TimeDecay  TimeDecayConfig   `mapstructure:"TIME_DECAY" json:"time_decay" validate:"required"`
	FeedMix    FeedMixConfig     `mapstructure:"FEED_MIX"   json:"feed_mix"   validate:"required"`
}

// EngagementWeights weight each engagement signal type.
type EngagementWeights struct {
	Zap            float64 `mapstructure:"ZAP"             json:"zap"             validate:"required,min=0"`
	CustomReaction float64 `mapstructure:"CUSTOM_REACTION" json:"custom_reaction" validate:"required,min=0"`
	Quote          float64 `mapstructure:"QUOTE"           json:"quote"           validate:"required,min=0"`
	Reply          float64 `mapstructure:"REPLY"           json:"reply"           validate:"required,min=0"`
	Repost         float64 `mapstructure:"REPOST"          json:"repost"          validate:"required,min=0"`
	Bookmark       float64 `mapstructure:"BOOKMARK"        json:"bookmark"        validate:"required,min=0"`
	Like           float64 `mapstructure:"LIKE"            json:"like"            validate:"required,min=0"`
}

// SocialBoosts are the per-relation multipliers; the highest applicable wins.
type SocialBoosts struct {
	SecondDegree         float64 `mapstructure:"SECOND_DEGREE"          json:"second_degree"          validate:"required,gt=0"`
	MutualFollow         float64 `mapstructure:"MUTUAL_FOLLOW"          json:"mutual_follow"          validate:"required,gt=0"`
	HighEngagementAuthor float64 `mapstructure:"HIGH_ENGAGEMENT_AUTHOR" json:"high_engagement_author" validate:"required,gt=0"`
	FirstDegree          float64 `mapstructure:"FIRST_DEGREE"           json:"first_degree"           validate:"required,gt=0"`
	Unknown              float64 `mapstructure:"UNKNOWN"                json:"unknown"                validate:"required,gt=0"`
}

// TimeDecayConfig shapes the freshness curve.
type TimeDecayConfig struct {
	HalfLifeHours  float64 `mapstructure:"HALF_LIFE_HOURS" json:"half_life_hours" validate:"required,gt=0"`
	MaxAgeHours    float64 `mapstructure:"MAX_AGE_HOURS"   json:"max_age_hours"   validate:"required,gt=0"`
	FreshnessBoost float64 `mapstructure:"FRESHNESS_BOOST" json:"freshness_boost" validate:"required,gt=0"`
	MinScore       float64 `mapstructure:"MIN_SCORE"       json:"min_score"       validate:"required,gt=0"`
}

// FeedMixConfig sets the candidate-pool quotas. The three ratios should sum
// to 1.0; shortfalls backfill second-degree → out-of-network → first-degree.
type FeedMixConfig struct {
	SecondDegree float64 `mapstructure:"SECOND_DEGREE"  json:"second_degree"  validate:"required,ratio"`
	OutOfNetwork float64 `mapstructure:"OUT_OF_NETWORK" json:"out_of_network" validate:"required,ratio"`
	FirstDegree  float64 `mapstructure:"FIRST_DEGREE"   json:"first_degree"   validate:"required,ratio"`
}

// LoggingConfig holds logging-related settings.
type LoggingConfig struct {
	Level      string `mapstructure:"LEVEL"       json:"level"       validate:"required,log_level"`
	FilePath   string `mapstructure:"FILE"        json:"file"        validate:"omitempty"`
	Format     string `mapstructure:"FORMAT"      json:"format"      validate:"omitempty,log_format"`
	MaxSize    int    `mapstructure:"MAX_SIZE"    json:"max_size"    validate:"required,min=1,max=1000"`
	MaxBackups int    `mapstructure:"MAX_BACKUPS" json:"max_backups" validate:"min=0,max=100"`
	MaxAge     int    `mapstructure:"MAX_AGE"     json:"max_age"     validate:"required,min=1,max=365"`
}

// MetricsConfig holds metrics/health endpoint settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"ENABLED" json:"enabled"`
	Port    int  `mapstructure:"PORT"    json:"port" validate:"required,min=1024,max=65535"`
}
