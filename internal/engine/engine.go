package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/murmurhq/feedcore/internal/cache"
	"github.com/murmurhq/feedcore/internal/config"
	apperrors "github.com/murmurhq/feedcore/internal/errors"
	"github.com/murmurhq/feedcore/internal/filters"
	"github.com/murmurhq/feedcore/internal/logger"
	"github.com/murmurhq/feedcore/internal/pool"
	"github.com/murmurhq/feedcore/internal/ranking"
	"github.com/murmurhq/feedcore/internal/workers"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	engagementWorkers = 4
	engagementQueue   = 64
)

// Engine ties the relay pool, the caches, the social graph and the
// ranking engine together behind the client-facing operations.
type Engine struct {
	cfg     *config.Config
	pool    *pool.Pool
	caches  *cache.Registry
	ranker  *ranking.Engine
	graph   *ranking.SocialGraphContext
	signer  Signer
	workers *workers.WorkerPool
	log     *zap.Logger
}

// New wires an engine over an already-started pool. signer may be nil for
// read-only use; write operations then fail with ErrSigner.
func New(cfg *config.Config, p *pool.Pool, caches *cache.Registry, signer Signer) *Engine {
	p.SetRelayInfoCache(caches.RelayInfo)
	return &Engine{
		cfg:     cfg,
		pool:    p,
		caches:  caches,
		ranker:  ranking.NewEngine(cfg.Ranking),
		graph:   ranking.NewSocialGraphContext(),
		signer:  signer,
		workers: workers.NewWorkerPool(engagementWorkers, engagementQueue),
		log:     logger.New("engine"),
	}
}

// Graph exposes the viewer's social-graph context.
func (e *Engine) Graph() *ranking.SocialGraphContext { return e.graph }

// Pool exposes the underlying relay pool, mainly for health reporting.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Close stops the background workers. The pool is owned by the caller.
func (e *Engine) Close() {
	e.workers.Stop()
}

// Login loads the viewer's follow and mute lists in parallel, seeds the
// social graph and kicks off second-degree extraction.
func (e *Engine) Login(ctx context.Context) error {
	if e.signer == nil {
		return apperrors.SignerError("login", nil)
	}
	viewer := e.signer.PublicKey()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		follows, err := e.FetchFollowList(gctx, viewer)
		if err != nil {
			return err
		}
		e.graph.SetFollows(follows)
		return nil
	})
	g.Go(func() error {
		muted, err := e.FetchMuteList(gctx, viewer)
		if err != nil {
			return err
		}
		e.graph.SetMuted(muted)
		return nil
	})
	g.Go(func() error {
		events, err := e.collect(gctx, []nostr.Filter{filters.FollowersOf(viewer, filters.MaxLimit)})
		if err != nil {
			// Follower discovery is best effort; mutual boosts degrade to plain follows.
			e.log.Debug("follower discovery failed", zap.Error(err))
			return nil
		}
		seen := make(map[string]struct{}, len(events))
		followers := make([]string, 0, len(events))
		for _, ev := range events {
			if _, ok := seen[ev.PubKey]; ok {
				continue
			}
			seen[ev.PubKey] = struct{}{}
			followers = append(followers, ev.PubKey)
		}
		e.graph.SetFollowers(followers)
		return nil
	})
	g.Go(func() error {
		profile, err := e.FetchProfile(gctx, viewer)
		if err != nil {
			// A missing profile must not block login.
			e.log.Debug("viewer profile unavailable", zap.Error(err))
			return nil
		}
		if profile.Geohash != "" {
			e.graph.SetViewerGeohash(profile.Geohash)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := e.rebuildSecondDegree(ctx); err != nil {
		e.log.Warn("second-degree extraction failed", zap.Error(err))
	}
	return nil
}

// rebuildSecondDegree fetches the follow lists of the viewer's follows in
// one query and derives the friend-of-friend set.
func (e *Engine) rebuildSecondDegree(ctx context.Context) error {
	snap := e.graph.Snapshot()
	if len(snap.Follows) == 0 {
		return nil
	}
	authors := make([]string, 0, len(snap.Follows))
	for pk := range snap.Follows {
		authors = append(authors, pk)
		if len(authors) >= filters.MaxAuthors {
			break
		}
	}

	events, err := e.collect(ctx, []nostr.Filter{{
		Kinds:   []int{nostr.KindFollowList},
		Authors: authors,
		Limit:   len(authors),
	}})
	if err != nil {
		return err
	}

	viewer := ""
	if e.signer != nil {
		viewer = e.signer.PublicKey()
	}
	followsOfFollows := make(map[string][]string, len(events))
	for _, ev := range events {
		pks := pubkeysFromPTags(ev)
		kept := pks[:0]
		for _, pk := range pks {
			if pk != viewer {
				kept = append(kept, pk)
			}
		}
		followsOfFollows[ev.PubKey] = kept
	}
	e.graph.RebuildSecondDegree(followsOfFollows)
	return nil
}

// FetchProfile returns the parsed kind-0 metadata for a pubkey, cached.
func (e *Engine) FetchProfile(ctx context.Context, pubkey string) (ranking.Profile, error) {
	return e.caches.Profiles.GetOrFetch(ctx, pubkey, func(ctx context.Context) (ranking.Profile, error) {
		events, err := e.collect(ctx, []nostr.Filter{filters.Profile([]string{pubkey})})
		if err != nil {
			return ranking.Profile{}, err
		}
		ev := latest(events)
		if ev == nil {
			return ranking.Profile{}, apperrors.ValidationError("no profile event for " + pubkey)
		}
		return parseProfile(ev), nil
	})
}

// FetchProfiles resolves many profiles at once: cached entries are served
// directly and the misses go out as a single query.
func (e *Engine) FetchProfiles(ctx context.Context, pubkeys []string) (map[string]ranking.Profile, error) {
	out := make(map[string]ranking.Profile, len(pubkeys))
	missing := make([]string, 0, len(pubkeys))
	for _, pk := range pubkeys {
		if p, ok := e.caches.Profiles.Peek(pk); ok {
			out[pk] = p
		} else {
			missing = append(missing, pk)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	events, err := e.collect(ctx, []nostr.Filter{filters.Profile(missing)})
	if err != nil {
		// Partial results beat none when some profiles were cached.
		if len(out) > 0 {
			e.log.Debug("profile batch fetch failed", zap.Error(err))
			return out, nil
		}
		return nil, err
	}

	newest := make(map[string]*nostr.Event, len(events))
	for _, ev := range events {
		if cur, ok := newest[ev.PubKey]; !ok || ev.CreatedAt > cur.CreatedAt {
			newest[ev.PubKey] = ev
		}
	}
	for pk, ev := range newest {
		p := parseProfile(ev)
		e.caches.Profiles.Put(pk, p, 0)
		out[pk] = p
	}
	return out, nil
}

// FetchFollowList returns the pubkeys in the latest kind-3 event, cached.
func (e *Engine) FetchFollowList(ctx context.Context, pubkey string) ([]string, error) {
	return e.caches.Follows.GetOrFetch(ctx, pubkey, func(ctx context.Context) ([]string, error) {
		events, err := e.collect(ctx, []nostr.Filter{filters.FollowList(pubkey)})
		if err != nil {
			return nil, err
		}
		ev := latest(events)
		if ev == nil {
			return []string{}, nil
		}
		return pubkeysFromPTags(ev), nil
	})
}

// FetchMuteList returns the pubkeys in the latest kind-10000 event, cached.
func (e *Engine) FetchMuteList(ctx context.Context, pubkey string) ([]string, error) {
	return e.caches.Mutes.GetOrFetch(ctx, pubkey, func(ctx context.Context) ([]string, error) {
		events, err := e.collect(ctx, []nostr.Filter{filters.MuteList(pubkey)})
		if err != nil {
			return nil, err
		}
		ev := latest(events)
		if ev == nil {
			return []string{}, nil
		}
		return pubkeysFromPTags(ev), nil
	})
}

// FetchBadges returns the badge award references from the latest profile
// badges event, cached.
func (e *Engine) FetchBadges(ctx context.Context, pubkey string) ([]string, error) {
	return e.caches.Badges.GetOrFetch(ctx, pubkey, func(ctx context.Context) ([]string, error) {
		events, err := e.collect(ctx, []nostr.Filter{filters.BadgeSet(pubkey)})
		if err != nil {
			return nil, err
		}
		ev := latest(events)
		if ev == nil {
			return []string{}, nil
		}
		refs := make([]string, 0, len(ev.Tags))
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "a" {
				refs = append(refs, tag[1])
			}
		}
		return refs, nil
	})
}

// FetchTimeline returns the authors' recent notes and reposts, newest
// first, mute-filtered, bounded by the EOSE window.
func (e *Engine) FetchTimeline(ctx context.Context, authors []string, since, until *nostr.Timestamp, limit int) ([]*nostr.Event, error) {
	fs := filters.Timeline(authors, since, until, limit)
	for _, f := range fs {
		if err := filters.Validate(f); err != nil {
			return nil, err
		}
	}
	events, err := e.collect(ctx, fs)
	if err != nil {
		return nil, err
	}

	snap := e.graph.Snapshot()
	events = filters.ExcludeMuted(events, snap.Muted)
	sortNewestFirst(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// FetchThread returns the root note followed by its replies in
// chronological order. Muted authors are dropped from the replies.
func (e *Engine) FetchThread(ctx context.Context, rootID string, limit int) ([]*nostr.Event, error) {
	if rootID == "" {
		return nil, apperrors.ValidationError("empty thread root id")
	}
	events, err := e.collect(ctx, filters.Thread(rootID, limit))
	if err != nil {
		return nil, err
	}

	snap := e.graph.Snapshot()
	var root *nostr.Event
	replies := make([]*nostr.Event, 0, len(events))
	for _, ev := range events {
		if ev.ID == rootID {
			root = ev
			continue
		}
		if _, muted := snap.Muted[ev.PubKey]; muted {
			continue
		}
		replies = append(replies, ev)
	}
	sortOldestFirst(replies)
	if root == nil {
		return replies, nil
	}
	return append([]*nostr.Event{root}, replies...), nil
}

// Search runs a NIP-50 query, preferring the configured search relay
// implicitly through the pool fan-out.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]*nostr.Event, error) {
	if query == "" {
		return nil, apperrors.ValidationError("empty search query")
	}
	events, err := e.collect(ctx, []nostr.Filter{filters.Search(query, limit)})
	if err != nil {
		return nil, err
	}
	snap := e.graph.Snapshot()
	events = filters.ExcludeMuted(events, snap.Muted)
	sortNewestFirst(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// collect opens a subscription, gathers events until EOSE and closes it.
func (e *Engine) collect(ctx context.Context, fs []nostr.Filter) ([]*nostr.Event, error) {
	sub, err := e.pool.Subscribe(ctx, fs)
	if err != nil {
		return nil, err
	}
	defer e.pool.Unsubscribe(sub)

	var events []*nostr.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events, nil
			}
			events = append(events, ev)
		case <-sub.EOSE():
			// Drain whatever the buffer already holds, then stop.
			for {
				select {
				case ev, ok := <-sub.Events():
					if !ok {
						return events, nil
					}
					events = append(events, ev)
				default:
					return events, nil
				}
			}
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

func parseProfile(ev *nostr.Event) ranking.Profile {
	var p ranking.Profile
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		// Malformed metadata still identifies the author.
		p = ranking.Profile{}
	}
	p.PubKey = ev.PubKey
	return p
}

func pubkeysFromPTags(ev *nostr.Event) []string {
	out := make([]string, 0, len(ev.Tags))
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] != "" {
			out = append(out, tag[1])
		}
	}
	return out
}

func latest(events []*nostr.Event) *nostr.Event {
	var newest *nostr.Event
	for _, ev := range events {
		if newest == nil || ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}
	return newest
}

func sortNewestFirst(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
}

func sortOldestFirst(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt < events[j].CreatedAt
	})
}
