package ranking

import (
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Profile is the parsed kind-0 metadata for an author.
type Profile struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	Banner      string `json:"banner"`
	NIP05       string `json:"nip05"`
	Lud16       string `json:"lud16"`
	Website     string `json:"website"`
	Geohash     string `json:"geohash,omitempty"`
}

// EngagementCounts aggregates the signals observed for one event.
type EngagementCounts struct {
	Likes           int `json:"likes"`
	CustomReactions int `json:"custom_reactions"`
	Reposts         int `json:"reposts"`
	Replies         int `json:"replies"`
	Zaps            int `json:"zaps"`
	Quotes          int `json:"quotes"`
	Bookmarks       int `json:"bookmarks"`
}

// Relation tags the strongest social link between viewer and author.
type Relation string

const (
	RelationSecondDegree      Relation = "second_degree"
	RelationMutual            Relation = "mutual_follow"
	RelationFrequentlyEngaged Relation = "frequently_engaged"
	RelationFirstDegree       Relation = "first_degree"
	RelationUnknown           Relation = "unknown"
)

// Candidate is one scoring input: a raw event plus whatever context could
// be resolved for it. Missing pieces contribute neutrally.
type Candidate struct {
	Event         *nostr.Event
	Author        *Profile
	Counts        EngagementCounts
	FollowerCount int64
	RepostedBy    string // pubkey of the reposter when Event arrived via kind 6
	QuotedID      string // id of the quoted event for quote posts
}

// ScoredPost is a ranked feed item.
type ScoredPost struct {
	Event      *nostr.Event     `json:"event"`
	Author     *Profile         `json:"author,omitempty"`
	Counts     EngagementCounts `json:"counts"`
	Relation   Relation         `json:"relation"`
	Score      float64          `json:"score"`
	RepostedBy string           `json:"reposted_by,omitempty"`
	QuotedID   string           `json:"quoted_id,omitempty"`
}

// EngagementHistory tracks the viewer's interactions per author, weighted
// like=1, repost=2, reply=3 when deciding "frequently engaged".
type EngagementHistory struct {
	Liked    map[string]int `json:"liked"`
	Reposted map[string]int `json:"reposted"`
	Replied  map[string]int `json:"replied"`
}

func newEngagementHistory() EngagementHistory {
	return EngagementHistory{
		Liked:    make(map[string]int),
		Reposted: make(map[string]int),
		Replied:  make(map[string]int),
	}
}

func (h EngagementHistory) weight(pubkey string) float64 {
	return float64(h.Liked[pubkey]) + 2*float64(h.Reposted[pubkey]) + 3*float64(h.Replied[pubkey])
}

// SocialGraphContext carries the viewer's social state. It is mutated only
// by explicit viewer actions and read concurrently by the ranking engine,
// so reads operate on snapshots.
type SocialGraphContext struct {
	mu sync.RWMutex

	follows       map[string]struct{}
	followers     map[string]struct{}
	secondDegree  map[string]struct{}
	muted         map[string]struct{}
	notInterested map[string]struct{} // event ids
	authorScores  map[string]float64  // feedback modifier, 1.0 default
	history       EngagementHistory
	viewerGeohash string
}

// NewSocialGraphContext returns an empty context.
func NewSocialGraphContext() *SocialGraphContext {
	return &SocialGraphContext{
		follows:       make(map[string]struct{}),
		followers:     make(map[string]struct{}),
		secondDegree:  make(map[string]struct{}),
		muted:         make(map[string]struct{}),
		notInterested: make(map[string]struct{}),
		authorScores:  make(map[string]float64),
		history:       newEngagementHistory(),
	}
}

// Snapshot is an immutable view used during one scoring pass.
type Snapshot struct {
	Follows       map[string]struct{}
	Followers     map[string]struct{}
	SecondDegree  map[string]struct{}
	Muted         map[string]struct{}
	NotInterested map[string]struct{}
	AuthorScores  map[string]float64
	History       EngagementHistory
	ViewerGeohash string
}

// Snapshot copies the context under the read lock.
func (c *SocialGraphContext) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Follows:       copySet(c.follows),
		Followers:     copySet(c.followers),
		SecondDegree:  copySet(c.secondDegree),
		Muted:         copySet(c.muted),
		NotInterested: copySet(c.notInterested),
		AuthorScores:  copyScores(c.authorScores),
		History: EngagementHistory{
			Liked:    copyCounts(c.history.Liked),
			Reposted: copyCounts(c.history.Reposted),
			Replied:  copyCounts(c.history.Replied),
		},
		ViewerGeohash: c.viewerGeohash,
	}
}

// SetFollows replaces the viewer's direct follow set.
func (c *SocialGraphContext) SetFollows(pubkeys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.follows = toSet(pubkeys)
}

// AddFollow inserts one pubkey into the follow set.
func (c *SocialGraphContext) AddFollow(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.follows[pubkey] = struct{}{}
}

// RemoveFollow drops one pubkey from the follow set.
func (c *SocialGraphContext) RemoveFollow(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.follows, pubkey)
}

// SetFollowers replaces the set of pubkeys following the viewer.
func (c *SocialGraphContext) SetFollowers(pubkeys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followers = toSet(pubkeys)
}

// SetMuted replaces the muted-author set.
func (c *SocialGraphContext) SetMuted(pubkeys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = toSet(pubkeys)
}

// SetViewerGeohash records the viewer's approximate location.
func (c *SocialGraphContext) SetViewerGeohash(gh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewerGeohash = gh
}

// SetSecondDegree replaces the friend-of-friend set.
func (c *SocialGraphContext) SetSecondDegree(pubkeys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secondDegree = toSet(pubkeys)
}

// RebuildSecondDegree derives the friend-of-friend set from the follow
// lists of the viewer's follows: pubkeys followed by follows but not
// followed directly.
func (c *SocialGraphContext) RebuildSecondDegree(followsOfFollows map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	second := make(map[string]struct{})
	for follower, theirs := range followsOfFollows {
		if _, ok := c.follows[follower]; !ok {
			continue
		}
		for _, pk := range theirs {
			if _, ok := c.follows[pk]; !ok {
				second[pk] = struct{}{}
			}
		}
	}
	c.secondDegree = second
}

// MarkNotInterested records negative feedback for a post and decays the
// author's modifier (0.7 per strike, floored at 0.1).
func (c *SocialGraphContext) MarkNotInterested(eventID, author string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notInterested[eventID] = struct{}{}
	current, ok := c.authorScores[author]
	if !ok {
		current = 1.0
	}
	next := current * 0.7
	if next < 0.1 {
		next = 0.1
	}
	c.authorScores[author] = next
}

// RecordEngagement tracks a viewer action for personalization.
func (c *SocialGraphContext) RecordEngagement(action, author string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch action {
	case "like":
		c.history.Liked[author]++
	case "repost":
		c.history.Reposted[author]++
	case "reply":
		c.history.Replied[author]++
	}
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyScores(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
