// Package filters builds protocol query specifications for each access
// pattern the engine supports. Builders are pure: they validate, clamp,
// and never perform I/O.
package filters

import (
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"

	"github.com/murmurhq/feedcore/internal/errors"
)

// Kinds without named constants in the protocol library.
const (
	KindBookmarkList  = 10003
	KindProfileBadges = 30008
)

// Caps applied before a filter leaves the process. Oversized author or id
// lists get truncated rather than rejected so a large follow list still
// produces a usable query.
const (
	MaxAuthors = 256
	MaxIDs     = 1024
	MaxLimit   = 500
)

// Timeline returns the filter pair covering notes and reposts.
// Reposts get half the note budget, matching their share of a feed page.
func Timeline(authors []string, since, until *nostr.Timestamp, limit int) []nostr.Filter {
	limit = clampLimit(limit)
	notes := nostr.Filter{
		Kinds: []int{nostr.KindTextNote},
		Limit: limit,
		Since: since,
		Until: until,
	}
	reposts := nostr.Filter{
		Kinds: []int{nostr.KindRepost},
		Limit: max(limit/2, 1),
		Since: since,
		Until: until,
	}
	if len(authors) > 0 {
		authors = capList(authors, MaxAuthors)
		notes.Authors = authors
		reposts.Authors = authors
	}
	return []nostr.Filter{notes, reposts}
}

// Profile fetches kind-0 metadata for a batch of pubkeys.
func Profile(pubkeys []string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: capList(pubkeys, MaxAuthors),
	}
}

// FollowList fetches the latest kind-3 contact list for one pubkey.
func FollowList(pubkey string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{nostr.KindFollowList},
		Authors: []string{pubkey},
		Limit:   1,
	}
}

// MuteList fetches the latest kind-10000 mute list for one pubkey.
func MuteList(pubkey string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{nostr.KindMuteList},
		Authors: []string{pubkey},
		Limit:   1,
	}
}

// FollowersOf fetches kind-3 lists that reference the pubkey, i.e. the
// contact lists of accounts following them.
func FollowersOf(pubkey string, limit int) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{nostr.KindFollowList},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
		Limit: clampLimit(limit),
	}
}

// RelayList fetches the kind-10002 relay list for one pubkey.
func RelayList(pubkey string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{nostr.KindRelayListMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}
}

// BadgeSet fetches the kind-30008 profile badges for one pubkey.
func BadgeSet(pubkey string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{KindProfileBadges},
		Authors: []string{pubkey},
		Limit:   1,
	}
}

// Thread fetches a root note plus everything tagging it.
func Thread(rootID string, limit int) []nostr.Filter {
	limit = clampLimit(limit)
	return []nostr.Filter{
		{IDs: []string{rootID}},
		{
			Kinds: []int{nostr.KindTextNote},
			Tags:  nostr.TagMap{"e": []string{rootID}},
			Limit: limit,
		},
	}
}

// DirectMessages fetches both directions of a kind-4 conversation between
// the viewer and one peer.
func DirectMessages(viewer, peer string, since *nostr.Timestamp, limit int) []nostr.Filter {
	limit = clampLimit(limit)
	return []nostr.Filter{
		{
			Kinds:   []int{nostr.KindEncryptedDirectMessage},
			Authors: []string{peer},
			Tags:    nostr.TagMap{"p": []string{viewer}},
			Since:   since,
			Limit:   limit,
		},
		{
			Kinds:   []int{nostr.KindEncryptedDirectMessage},
			Authors: []string{viewer},
			Tags:    nostr.TagMap{"p": []string{peer}},
			Since:   since,
			Limit:   limit,
		},
	}
}

// Search builds a NIP-50 full-text query.
func Search(query string, limit int) nostr.Filter {
	return nostr.Filter{
		Kinds:  []int{nostr.KindTextNote},
		Search: query,
		Limit:  clampLimit(limit),
	}
}

// ReactionsFor fetches kind-7 reactions referencing the given event ids.
func ReactionsFor(ids []string, limit int) nostr.Filter {
	return tagged(nostr.KindReaction, ids, limit)
}

// RepostsFor fetches kind-6 reposts referencing the given event ids.
func RepostsFor(ids []string, limit int) nostr.Filter {
	return tagged(nostr.KindRepost, ids, limit)
}

// RepliesFor fetches kind-1 notes referencing the given event ids.
func RepliesFor(ids []string, limit int) nostr.Filter {
	return tagged(nostr.KindTextNote, ids, limit)
}

// ZapsFor fetches kind-9735 zap receipts referencing the given event ids.
func ZapsFor(ids []string, limit int) nostr.Filter {
	return tagged(nostr.KindZap, ids, limit)
}

// QuotesFor fetches kind-1 notes quoting the given event ids via "q" tags.
func QuotesFor(ids []string, limit int) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{nostr.KindTextNote},
		Tags:  nostr.TagMap{"q": capList(ids, MaxIDs)},
		Limit: clampLimit(limit),
	}
}

// BookmarksFor fetches kind-10003 bookmark lists referencing the event ids.
func BookmarksFor(ids []string, limit int) nostr.Filter {
	return tagged(KindBookmarkList, ids, limit)
}

func tagged(kind int, ids []string, limit int) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{kind},
		Tags:  nostr.TagMap{"e": capList(ids, MaxIDs)},
		Limit: clampLimit(limit),
	}
}

// Validate rejects filters with an inverted time window.
func Validate(f nostr.Filter) error {
	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return errors.ValidationError("filter window: since is after until")
	}
	return nil
}

// Clamp lowers the filter's limit to the relay's advertised maximum from
// its capability document. A nil document leaves the filter untouched.
func Clamp(f nostr.Filter, info *nip11.RelayInformationDocument) nostr.Filter {
	if info == nil || info.Limitation == nil || info.Limitation.MaxLimit <= 0 {
		return f
	}
	if f.Limit > info.Limitation.MaxLimit {
		f.Limit = info.Limitation.MaxLimit
	}
	return f
}

// ExcludeMuted drops events authored by muted pubkeys. Post-filtering is
// the portable form of mute-aware exclusion: relays cannot be asked for
// "authors not in set".
func ExcludeMuted(events []*nostr.Event, muted map[string]struct{}) []*nostr.Event {
	if len(muted) == 0 {
		return events
	}
	kept := events[:0]
	for _, evt := range events {
		if _, ok := muted[evt.PubKey]; !ok {
			kept = append(kept, evt)
		}
	}
	return kept
}

// SinceHoursAgo returns a Since pointer n hours in the past.
func SinceHoursAgo(hours int) *nostr.Timestamp {
	ts := nostr.Timestamp(time.Now().Add(-time.Duration(hours) * time.Hour).Unix())
	return &ts
}

// SinceDaysAgo returns a Since pointer n days in the past.
func SinceDaysAgo(days int) *nostr.Timestamp {
	return SinceHoursAgo(days * 24)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func capList(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}
