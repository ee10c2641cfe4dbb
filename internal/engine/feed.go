package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/murmurhq/feedcore/internal/filters"
	"github.com/murmurhq/feedcore/internal/metrics"
	"github.com/murmurhq/feedcore/internal/ranking"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	candidateWindowHours = 48
	candidatesPerBucket  = 200
	engagementBatch      = 100
)

// FetchEngagement tallies reactions, reposts, replies, zaps, quotes and
// bookmarks for the given event ids. Each signal class is its own query,
// fanned out on the worker pool; a failed class contributes zero counts
// rather than failing the batch.
func (e *Engine) FetchEngagement(ctx context.Context, ids []string) (map[string]ranking.EngagementCounts, error) {
	if len(ids) == 0 {
		return map[string]ranking.EngagementCounts{}, nil
	}

	counts := make(map[string]ranking.EngagementCounts, len(ids))
	for _, id := range ids {
		counts[id] = ranking.EngagementCounts{}
	}

	var mu sync.Mutex
	tally := func(apply func(*ranking.EngagementCounts), targets []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range targets {
			c, ok := counts[id]
			if !ok {
				continue
			}
			apply(&c)
			counts[id] = c
		}
	}

	classes := []struct {
		name   string
		filter nostr.Filter
		apply  func(ev *nostr.Event) (func(*ranking.EngagementCounts), []string)
	}{
		{
			name:   "reactions",
			filter: filters.ReactionsFor(ids, filters.MaxLimit),
			apply: func(ev *nostr.Event) (func(*ranking.EngagementCounts), []string) {
				if isLikeContent(ev.Content) {
					return func(c *ranking.EngagementCounts) { c.Likes++ }, eTagTargets(ev)
				}
				return func(c *ranking.EngagementCounts) { c.CustomReactions++ }, eTagTargets(ev)
			},
		},
		{
			name:   "reposts",
			filter: filters.RepostsFor(ids, filters.MaxLimit),
			apply: func(ev *nostr.Event) (func(*ranking.EngagementCounts), []string) {
				return func(c *ranking.EngagementCounts) { c.Reposts++ }, eTagTargets(ev)
			},
		},
		{
			name:   "replies",
			filter: filters.RepliesFor(ids, filters.MaxLimit),
			apply: func(ev *nostr.Event) (func(*ranking.EngagementCounts), []string) {
				return func(c *ranking.EngagementCounts) { c.Replies++ }, eTagTargets(ev)
			},
		},
		{
			name:   "zaps",
			filter: filters.ZapsFor(ids, filters.MaxLimit),
			apply: func(ev *nostr.Event) (func(*ranking.EngagementCounts), []string) {
				return func(c *ranking.EngagementCounts) { c.Zaps++ }, eTagTargets(ev)
			},
		},
		{
			name:   "quotes",
			filter: filters.QuotesFor(ids, filters.MaxLimit),
			apply: func(ev *nostr.Event) (func(*ranking.EngagementCounts), []string) {
				return func(c *ranking.EngagementCounts) { c.Quotes++ }, qTagTargets(ev)
			},
		},
		{
			name:   "bookmarks",
			filter: filters.BookmarksFor(ids, filters.MaxLimit),
			apply: func(ev *nostr.Event) (func(*ranking.EngagementCounts), []string) {
				return func(c *ranking.EngagementCounts) { c.Bookmarks++ }, eTagTargets(ev)
			},
		},
	}

	var wg sync.WaitGroup
	for _, class := range classes {
		class := class
		wg.Add(1)
		accepted := e.workers.AddJob(func() {
			defer wg.Done()
			events, err := e.collect(ctx, []nostr.Filter{class.filter})
			if err != nil {
				e.log.Debug("engagement class fetch failed",
					zap.String("class", class.name), zap.Error(err))
				return
			}
			for _, ev := range events {
				apply, targets := class.apply(ev)
				tally(apply, targets)
			}
		})
		if !accepted {
			wg.Done()
			e.log.Warn("engagement fan-out queue full, skipping class",
				zap.String("class", class.name))
		}
	}
	wg.Wait()

	return counts, nil
}

// RecommendedFeed assembles the candidate pool from the viewer's network,
// hydrates it with profiles and engagement counts and hands it to the
// ranking engine.
func (e *Engine) RecommendedFeed(ctx context.Context, limit int) ([]ranking.ScoredPost, error) {
	snap := e.graph.Snapshot()
	since := filters.SinceHoursAgo(candidateWindowHours)

	var (
		mu         sync.Mutex
		candidates []nostr.Event
	)
	add := func(events []*nostr.Event) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			candidates = append(candidates, *ev)
		}
	}

	var wg sync.WaitGroup
	fetch := func(authors []string) {
		defer wg.Done()
		if len(authors) == 0 {
			return
		}
		events, err := e.collect(ctx, filters.Timeline(authors, since, nil, candidatesPerBucket))
		if err != nil {
			e.log.Debug("candidate fetch failed", zap.Error(err))
			return
		}
		add(events)
	}

	wg.Add(3)
	go fetch(sampleSet(snap.Follows, filters.MaxAuthors))
	go fetch(sampleSet(snap.SecondDegree, filters.MaxAuthors))
	go func() {
		defer wg.Done()
		// Out-of-network discovery: recent notes with no author filter.
		events, err := e.collect(ctx, []nostr.Filter{{
			Kinds: []int{nostr.KindTextNote},
			Since: since,
			Limit: candidatesPerBucket,
		}})
		if err != nil {
			e.log.Debug("discovery fetch failed", zap.Error(err))
			return
		}
		add(events)
	}()
	wg.Wait()

	if len(candidates) == 0 {
		return nil, nil
	}

	return e.rankCandidates(ctx, candidates, snap, limit)
}

// rankCandidates hydrates raw events into scoring inputs and runs them
// through the ranking engine.
func (e *Engine) rankCandidates(ctx context.Context, events []nostr.Event, snap ranking.Snapshot, limit int) ([]ranking.ScoredPost, error) {
	start := time.Now()
	defer func() {
		metrics.FeedRankDuration.Observe(time.Since(start).Seconds())
	}()

	// Dedup by id across the bucket fetches.
	seen := make(map[string]struct{}, len(events))
	unique := events[:0]
	for i := range events {
		if _, ok := seen[events[i].ID]; ok {
			continue
		}
		seen[events[i].ID] = struct{}{}
		unique = append(unique, events[i])
	}

	ids := make([]string, 0, engagementBatch)
	authorSet := make(map[string]struct{}, len(unique))
	for i := range unique {
		if len(ids) < engagementBatch {
			ids = append(ids, unique[i].ID)
		}
		authorSet[unique[i].PubKey] = struct{}{}
	}

	var (
		counts   map[string]ranking.EngagementCounts
		profiles map[string]ranking.Profile
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c, err := e.FetchEngagement(ctx, ids)
		if err != nil {
			e.log.Debug("engagement hydration failed", zap.Error(err))
			c = map[string]ranking.EngagementCounts{}
		}
		counts = c
	}()
	go func() {
		defer wg.Done()
		p, err := e.FetchProfiles(ctx, keys(authorSet))
		if err != nil {
			e.log.Debug("profile hydration failed", zap.Error(err))
			p = map[string]ranking.Profile{}
		}
		profiles = p
	}()
	wg.Wait()

	cands := make([]ranking.Candidate, 0, len(unique))
	for i := range unique {
		ev := &unique[i]
		c := ranking.Candidate{Event: ev, Counts: counts[ev.ID]}
		if p, ok := profiles[ev.PubKey]; ok {
			profile := p
			c.Author = &profile
		}
		cands = append(cands, c)
	}

	return e.ranker.RankFeed(cands, snap, limit, time.Now()), nil
}

func isLikeContent(content string) bool {
	switch strings.TrimSpace(content) {
	case "", "+", "👍", "❤️":
		return true
	default:
		return false
	}
}

func eTagTargets(ev *nostr.Event) []string {
	out := make([]string, 0, 2)
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
			out = append(out, tag[1])
		}
	}
	return out
}

func qTagTargets(ev *nostr.Event) []string {
	out := make([]string, 0, 1)
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "q" && tag[1] != "" {
			out = append(out, tag[1])
		}
	}
	return out
}

func sampleSet(set map[string]struct{}, max int) []string {
	out := make([]string, 0, len(set))
	for pk := range set {
		out = append(out, pk)
		if len(out) >= max {
			break
		}
	}
	return out
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
