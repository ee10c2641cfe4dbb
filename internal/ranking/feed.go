package ranking

import (
	"sort"
	"time"
)

// Bucket partitions candidates by where their author sits in the viewer's
// network for feed-mix purposes.
type Bucket string

const (
	BucketFirstDegree  Bucket = "first_degree"
	BucketSecondDegree Bucket = "second_degree"
	BucketOutOfNetwork Bucket = "out_of_network"
)

// BucketFor assigns the candidate's author to a feed-mix bucket. A repost
// is bucketed by the reposter when the viewer follows them, since that is
// the edge that brought the post into the feed.
func BucketFor(c Candidate, snap Snapshot) Bucket {
	author := c.Event.PubKey
	if c.RepostedBy != "" {
		if _, ok := snap.Follows[c.RepostedBy]; ok {
			author = c.RepostedBy
		}
	}
	if _, ok := snap.Follows[author]; ok {
		return BucketFirstDegree
	}
	if _, ok := snap.SecondDegree[author]; ok {
		return BucketSecondDegree
	}
	return BucketOutOfNetwork
}

// RankFeed scores the candidates, composes the configured mix and returns
// at most limit posts sorted by score descending, newest first on ties.
//
// Each bucket gets a quota of the requested size (second-degree 50%,
// out-of-network 30%, first-degree 20% by default). When a bucket cannot
// fill its quota the shortfall backfills from the others in the order
// second-degree, out-of-network, first-degree.
func (e *Engine) RankFeed(candidates []Candidate, snap Snapshot, limit int, now time.Time) []ScoredPost {
	if limit <= 0 || len(candidates) == 0 {
		return nil
	}

	buckets := map[Bucket][]ScoredPost{}
	for _, c := range candidates {
		if c.Event == nil {
			continue
		}
		post := e.Score(c, snap, now)
		if post.Score <= 0 {
			continue
		}
		b := BucketFor(c, snap)
		buckets[b] = append(buckets[b], post)
	}
	for _, posts := range buckets {
		sortByScore(posts)
	}

	mix := e.cfg.FeedMix
	quotas := []struct {
		bucket Bucket
		want   int
	}{
		{BucketFirstDegree, quota(limit, mix.FirstDegree)},
		{BucketSecondDegree, quota(limit, mix.SecondDegree)},
		{BucketOutOfNetwork, quota(limit, mix.OutOfNetwork)},
	}

	feed := make([]ScoredPost, 0, limit)
	for _, q := range quotas {
		take := q.want
		if take > len(buckets[q.bucket]) {
			take = len(buckets[q.bucket])
		}
		feed = append(feed, buckets[q.bucket][:take]...)
		buckets[q.bucket] = buckets[q.bucket][take:]
	}

	// Backfill shortfall from the leftovers in priority order.
	backfillOrder := []Bucket{BucketSecondDegree, BucketOutOfNetwork, BucketFirstDegree}
	for _, b := range backfillOrder {
		if len(feed) >= limit {
			break
		}
		need := limit - len(feed)
		if need > len(buckets[b]) {
			need = len(buckets[b])
		}
		feed = append(feed, buckets[b][:need]...)
	}

	sortByScore(feed)
	if len(feed) > limit {
		feed = feed[:limit]
	}
	return feed
}

func quota(limit int, ratio float64) int {
	return int(float64(limit) * ratio)
}

func sortByScore(posts []ScoredPost) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].Score != posts[j].Score {
			return posts[i].Score > posts[j].Score
		}
		return posts[i].Event.CreatedAt > posts[j].Event.CreatedAt
	})
}
