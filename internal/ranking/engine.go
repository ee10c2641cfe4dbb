package ranking

import (
	"math"
	"strings"
	"time"

	"github.com/murmurhq/feedcore/internal/config"
	"github.com/murmurhq/feedcore/internal/logger"
	"go.uber.org/zap"
)

// Thresholds for the frequently-engaged relation: weighted interactions
// (like=1, repost=2, reply=3) at or above these counts earn a boost.
const (
	highEngagementThreshold = 10
	midEngagementThreshold  = 5
	midEngagementBoost      = 1.5
)

const (
	nip05Boost           = 1.3
	followerBoostCap     = 1.5
	notInterestedPenalty = 0.001
)

// Engine scores candidates against a social-graph snapshot. It holds no
// mutable state of its own; one Engine may be shared across goroutines.
type Engine struct {
	cfg config.RankingConfig
	log *zap.Logger
}

// NewEngine builds a scoring engine from configuration.
func NewEngine(cfg config.RankingConfig) *Engine {
	return &Engine{cfg: cfg, log: logger.New("ranking")}
}

// EngagementScore is the weighted sum of observed signals plus a base of 1
// so zero-engagement posts still carry their other factors.
func (e *Engine) EngagementScore(c EngagementCounts) float64 {
	w := e.cfg.Engagement
	return 1 +
		w.Zap*float64(c.Zaps) +
		w.CustomReaction*float64(c.CustomReactions) +
		w.Quote*float64(c.Quotes) +
		w.Reply*float64(c.Replies) +
		w.Repost*float64(c.Reposts) +
		w.Bookmark*float64(c.Bookmarks) +
		w.Like*float64(c.Likes)
}

// SocialBoost resolves the multiplier for the author; when several
// relations apply the highest multiplier wins.
func (e *Engine) SocialBoost(author string, snap Snapshot) (Relation, float64) {
	s := e.cfg.Social
	best := s.Unknown
	relation := RelationUnknown

	if _, ok := snap.Follows[author]; ok {
		best = s.FirstDegree
		relation = RelationFirstDegree
	}
	if w := snap.History.weight(author); w >= midEngagementThreshold {
		boost := midEngagementBoost
		if w >= highEngagementThreshold {
			boost = s.HighEngagementAuthor
		}
		if boost > best {
			best, relation = boost, RelationFrequentlyEngaged
		}
	}
	if _, follows := snap.Follows[author]; follows {
		if _, back := snap.Followers[author]; back && s.MutualFollow > best {
			best, relation = s.MutualFollow, RelationMutual
		}
	}
	if _, ok := snap.SecondDegree[author]; ok && s.SecondDegree > best {
		best, relation = s.SecondDegree, RelationSecondDegree
	}
	return relation, best
}

// AuthorQuality rewards verified identity and reach. NIP-05 verification
// multiplies by 1.3; follower count adds a logarithmic boost capped at 1.5x.
func (e *Engine) AuthorQuality(author *Profile, followerCount int64) float64 {
	quality := 1.0
	if author != nil && strings.Contains(author.NIP05, "@") {
		quality *= nip05Boost
	}
	if followerCount > 0 {
		boost := 1 + math.Log10(float64(followerCount)+1)/10
		if boost > followerBoostCap {
			boost = followerBoostCap
		}
		quality *= boost
	}
	return quality
}

// GeohashBoost compares the viewer's geohash with the post author's by
// shared prefix length. Geohash prefixes nest, so longer shared prefixes
// mean closer locations.
func (e *Engine) GeohashBoost(viewer, author string) float64 {
	if viewer == "" || author == "" {
		return 1.0
	}
	n := sharedPrefixLen(strings.ToLower(viewer), strings.ToLower(author))
	switch {
	case n >= 5:
		return 2.0
	case n >= 3:
		return 1.5
	case n >= 2:
		return 1.2
	default:
		return 1.0
	}
}

// TimeDecay computes the freshness factor at the given reference time.
// Posts under an hour old get a boost, then the factor halves every
// half-life until it bottoms out at the minimum for posts past max age.
func (e *Engine) TimeDecay(createdAt, now time.Time) float64 {
	td := e.cfg.TimeDecay
	ageHours := now.Sub(createdAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	if ageHours < 1 {
		return td.FreshnessBoost
	}
	if ageHours >= td.MaxAgeHours {
		return td.MinScore
	}
	decay := math.Pow(0.5, ageHours/td.HalfLifeHours)
	if decay < td.MinScore {
		return td.MinScore
	}
	return decay
}

// Modifier applies viewer feedback: the author's decayed modifier, and a
// near-zero penalty when this exact post was marked not interested.
func (e *Engine) Modifier(c Candidate, snap Snapshot) float64 {
	m := 1.0
	if score, ok := snap.AuthorScores[c.Event.PubKey]; ok {
		m *= score
	}
	if _, ok := snap.NotInterested[c.Event.ID]; ok {
		m *= notInterestedPenalty
	}
	return m
}

// Score computes the full multiplicative score for one candidate.
// Muted authors score zero and are dropped by the feed composer.
func (e *Engine) Score(c Candidate, snap Snapshot, now time.Time) ScoredPost {
	post := ScoredPost{
		Event:      c.Event,
		Author:     c.Author,
		Counts:     c.Counts,
		RepostedBy: c.RepostedBy,
		QuotedID:   c.QuotedID,
	}
	if _, muted := snap.Muted[c.Event.PubKey]; muted {
		post.Relation = RelationUnknown
		post.Score = 0
		return post
	}

	relation, social := e.SocialBoost(c.Event.PubKey, snap)
	engagement := e.EngagementScore(c.Counts)
	quality := e.AuthorQuality(c.Author, c.FollowerCount)
	geo := e.GeohashBoost(snap.ViewerGeohash, authorGeohash(c))
	modifier := e.Modifier(c, snap)
	decay := e.TimeDecay(c.Event.CreatedAt.Time(), now)

	post.Relation = relation
	post.Score = engagement * social * quality * geo * modifier * decay

	if e.log.Core().Enabled(zap.DebugLevel) {
		e.log.Debug("scored candidate",
			zap.String("event_id", c.Event.ID),
			zap.String("relation", string(relation)),
			zap.Float64("engagement", engagement),
			zap.Float64("social", social),
			zap.Float64("quality", quality),
			zap.Float64("geo", geo),
			zap.Float64("modifier", modifier),
			zap.Float64("decay", decay),
			zap.Float64("score", post.Score))
	}
	return post
}

func authorGeohash(c Candidate) string {
	// A "g" tag on the event itself wins over the profile location.
	for _, tag := range c.Event.Tags {
		if len(tag) >= 2 && tag[0] == "g" && tag[1] != "" {
			return tag[1]
		}
	}
	if c.Author != nil {
		return c.Author.Geohash
	}
	return ""
}

func sharedPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
