package ranking

import (
	"testing"
	"time"

	"github.com/murmurhq/feedcore/internal/config"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func testConfig() config.RankingConfig {
	return config.RankingConfig{
		Engagement: config.EngagementWeights{
			Zap: 100, CustomReaction: 60, Quote: 35, Reply: 30,
			Repost: 25, Bookmark: 15, Like: 5,
		},
		Social: config.SocialBoosts{
			SecondDegree: 3.0, MutualFollow: 2.5, HighEngagementAuthor: 2.0,
			FirstDegree: 0.5, Unknown: 1.0,
		},
		TimeDecay: config.TimeDecayConfig{
			HalfLifeHours: 6, MaxAgeHours: 48, FreshnessBoost: 1.5, MinScore: 0.1,
		},
		FeedMix: config.FeedMixConfig{
			SecondDegree: 0.5, OutOfNetwork: 0.3, FirstDegree: 0.2,
		},
	}
}

func noteBy(pubkey string, age time.Duration, now time.Time) *nostr.Event {
	return &nostr.Event{
		ID:        pubkey + "-note",
		PubKey:    pubkey,
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Timestamp(now.Add(-age).Unix()),
	}
}

func TestEngagementScoreWeights(t *testing.T) {
	e := NewEngine(testConfig())

	assert.Equal(t, 1.0, e.EngagementScore(EngagementCounts{}))
	assert.Equal(t, 101.0, e.EngagementScore(EngagementCounts{Zaps: 1}))
	assert.Equal(t, 1.0+5+25+30, e.EngagementScore(EngagementCounts{Likes: 1, Reposts: 1, Replies: 1}))
}

func TestSocialBoostMutualBeatsDirect(t *testing.T) {
	e := NewEngine(testConfig())
	graph := NewSocialGraphContext()
	graph.SetFollows([]string{"alice", "bob"})
	graph.SetFollowers([]string{"alice"})
	snap := graph.Snapshot()

	relation, boost := e.SocialBoost("alice", snap)
	assert.Equal(t, RelationMutual, relation)
	assert.Equal(t, 2.5, boost)

	relation, boost = e.SocialBoost("bob", snap)
	assert.Equal(t, RelationFirstDegree, relation)
	assert.Equal(t, 0.5, boost)
}

func TestSocialBoostSecondDegreeWins(t *testing.T) {
	e := NewEngine(testConfig())
	graph := NewSocialGraphContext()
	graph.SetSecondDegree([]string{"carol"})
	snap := graph.Snapshot()

	relation, boost := e.SocialBoost("carol", snap)
	assert.Equal(t, RelationSecondDegree, relation)
	assert.Equal(t, 3.0, boost)
}

func TestSocialBoostFrequentlyEngaged(t *testing.T) {
	e := NewEngine(testConfig())
	graph := NewSocialGraphContext()
	// 3 replies + 1 like = weight 10
	for i := 0; i < 3; i++ {
		graph.RecordEngagement("reply", "dave")
	}
	graph.RecordEngagement("like", "dave")
	snap := graph.Snapshot()

	relation, boost := e.SocialBoost("dave", snap)
	assert.Equal(t, RelationFrequentlyEngaged, relation)
	assert.Equal(t, 2.0, boost)

	// weight 5 earns the lower tier
	graph2 := NewSocialGraphContext()
	graph2.RecordEngagement("reply", "erin")
	graph2.RecordEngagement("repost", "erin")
	_, boost = e.SocialBoost("erin", graph2.Snapshot())
	assert.Equal(t, 1.5, boost)
}

func TestTimeDecayCurve(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Now()

	fresh := e.TimeDecay(now.Add(-30*time.Minute), now)
	assert.Equal(t, 1.5, fresh)

	mid := e.TimeDecay(now.Add(-6*time.Hour), now)
	assert.InDelta(t, 0.5, mid, 0.01)

	old := e.TimeDecay(now.Add(-50*time.Hour), now)
	assert.Equal(t, 0.1, old)

	assert.Greater(t, fresh, old)
}

func TestGeohashBoostPrefixes(t *testing.T) {
	e := NewEngine(testConfig())

	assert.Equal(t, 2.0, e.GeohashBoost("xn774c", "xn774d"))
	assert.Equal(t, 1.5, e.GeohashBoost("xn774c", "xn7abc"))
	assert.Equal(t, 1.2, e.GeohashBoost("xn774c", "xnzzzz"))
	assert.Equal(t, 1.0, e.GeohashBoost("xn774c", "9q8yyk"))
	assert.Equal(t, 1.0, e.GeohashBoost("", "xn774c"))
}

func TestAuthorQuality(t *testing.T) {
	e := NewEngine(testConfig())

	assert.Equal(t, 1.0, e.AuthorQuality(nil, 0))
	assert.InDelta(t, 1.3, e.AuthorQuality(&Profile{NIP05: "alice@example.com"}, 0), 0.001)

	// Follower boost is capped.
	big := e.AuthorQuality(nil, 100_000_000)
	assert.LessOrEqual(t, big, 1.5)
}

func TestScoreMutedAuthorIsZero(t *testing.T) {
	e := NewEngine(testConfig())
	graph := NewSocialGraphContext()
	graph.SetMuted([]string{"spammer"})
	now := time.Now()

	post := e.Score(Candidate{Event: noteBy("spammer", time.Hour, now)}, graph.Snapshot(), now)
	assert.Equal(t, 0.0, post.Score)
}

func TestScoreNotInterestedPenalty(t *testing.T) {
	e := NewEngine(testConfig())
	graph := NewSocialGraphContext()
	now := time.Now()
	ev := noteBy("frank", 2*time.Hour, now)

	before := e.Score(Candidate{Event: ev}, graph.Snapshot(), now)
	graph.MarkNotInterested(ev.ID, ev.PubKey)
	after := e.Score(Candidate{Event: ev}, graph.Snapshot(), now)

	assert.Greater(t, before.Score, 0.0)
	assert.Less(t, after.Score, before.Score*0.01)
}

func TestAuthorModifierDecay(t *testing.T) {
	graph := NewSocialGraphContext()
	for i := 0; i < 20; i++ {
		graph.MarkNotInterested("post-"+string(rune('a'+i)), "grace")
	}
	snap := graph.Snapshot()
	assert.InDelta(t, 0.1, snap.AuthorScores["grace"], 0.0001)
}

func TestFresherPostOutscoresOlder(t *testing.T) {
	e := NewEngine(testConfig())
	graph := NewSocialGraphContext()
	now := time.Now()
	snap := graph.Snapshot()

	fresh := e.Score(Candidate{Event: noteBy("a", 30*time.Minute, now)}, snap, now)
	stale := e.Score(Candidate{Event: noteBy("b", 50*time.Hour, now)}, snap, now)
	assert.Greater(t, fresh.Score, stale.Score)
}

func TestRebuildSecondDegreeExcludesDirectFollows(t *testing.T) {
	graph := NewSocialGraphContext()
	graph.SetFollows([]string{"alice", "bob"})
	graph.RebuildSecondDegree(map[string][]string{
		"alice":    {"bob", "carol"},
		"bob":      {"dave"},
		"stranger": {"mallory"},
	})
	snap := graph.Snapshot()

	assert.Contains(t, snap.SecondDegree, "carol")
	assert.Contains(t, snap.SecondDegree, "dave")
	assert.NotContains(t, snap.SecondDegree, "bob")
	assert.NotContains(t, snap.SecondDegree, "mallory")
}
