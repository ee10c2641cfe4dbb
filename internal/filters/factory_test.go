package filters

import (
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimelinePairsNotesAndReposts(t *testing.T) {
	since := SinceHoursAgo(24)
	fs := Timeline([]string{"alice"}, since, nil, 100)
	require.Len(t, fs, 2)

	assert.Equal(t, []int{nostr.KindTextNote}, fs[0].Kinds)
	assert.Equal(t, []int{nostr.KindRepost}, fs[1].Kinds)
	assert.Equal(t, []string{"alice"}, fs[0].Authors)
	assert.Equal(t, 100, fs[0].Limit)
	assert.Equal(t, 50, fs[1].Limit)
	assert.Equal(t, since, fs[0].Since)
}

func TestTimelineCapsAuthorList(t *testing.T) {
	authors := make([]string, 500)
	for i := range authors {
		authors[i] = "pk"
	}
	fs := Timeline(authors, nil, nil, 10)
	assert.Len(t, fs[0].Authors, MaxAuthors)
}

func TestListBuilders(t *testing.T) {
	f := FollowList("alice")
	assert.Equal(t, []int{nostr.KindFollowList}, f.Kinds)
	assert.Equal(t, []string{"alice"}, f.Authors)
	assert.Equal(t, 1, f.Limit)

	f = MuteList("alice")
	assert.Equal(t, []int{nostr.KindMuteList}, f.Kinds)

	f = BadgeSet("alice")
	assert.Equal(t, []int{KindProfileBadges}, f.Kinds)

	f = RelayList("alice")
	assert.Equal(t, []int{nostr.KindRelayListMetadata}, f.Kinds)
}

func TestSearchUsesNIP50Field(t *testing.T) {
	f := Search("hello world", 25)
	assert.Equal(t, "hello world", f.Search)
	assert.Equal(t, 25, f.Limit)
}

func TestEngagementBuildersTagByEventID(t *testing.T) {
	ids := []string{"e1", "e2"}

	f := ReactionsFor(ids, 100)
	assert.Equal(t, []int{nostr.KindReaction}, f.Kinds)
	assert.Equal(t, ids, f.Tags["e"])

	f = ZapsFor(ids, 100)
	assert.Equal(t, []int{nostr.KindZap}, f.Kinds)

	f = QuotesFor(ids, 100)
	assert.Equal(t, ids, f.Tags["q"])

	f = BookmarksFor(ids, 100)
	assert.Equal(t, []int{KindBookmarkList}, f.Kinds)
}

func TestValidateRejectsInvertedWindow(t *testing.T) {
	since := nostr.Timestamp(200)
	until := nostr.Timestamp(100)
	err := Validate(nostr.Filter{Since: &since, Until: &until})
	assert.Error(t, err)

	err = Validate(nostr.Filter{Since: &until, Until: &since})
	assert.NoError(t, err)
}

func TestClampHonorsRelayMaxLimit(t *testing.T) {
	f := nostr.Filter{Limit: 500}
	info := &nip11.RelayInformationDocument{
		Limitation: &nip11.RelayLimitationDocument{MaxLimit: 100},
	}

	clamped := Clamp(f, info)
	assert.Equal(t, 100, clamped.Limit)

	// Nil documents and generous limits leave the filter alone.
	assert.Equal(t, 500, Clamp(f, nil).Limit)
	info.Limitation.MaxLimit = 1000
	assert.Equal(t, 500, Clamp(f, info).Limit)
}

func TestLimitClampedToMax(t *testing.T) {
	f := Search("q", 100000)
	assert.Equal(t, MaxLimit, f.Limit)
}

func TestExcludeMuted(t *testing.T) {
	events := []*nostr.Event{
		{ID: "1", PubKey: "alice"},
		{ID: "2", PubKey: "spammer"},
		{ID: "3", PubKey: "bob"},
	}
	muted := map[string]struct{}{"spammer": {}}

	kept := ExcludeMuted(events, muted)
	require.Len(t, kept, 2)
	assert.Equal(t, "1", kept[0].ID)
	assert.Equal(t, "3", kept[1].ID)

	assert.Equal(t, events, ExcludeMuted(events, nil))
}
