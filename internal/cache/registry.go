package cache

import (
	"github.com/murmurhq/feedcore/internal/config"
	"github.com/murmurhq/feedcore/internal/ranking"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Registry groups the per-class stores the client needs. Each class has
// its own TTL and LRU bound so a burst of profile lookups cannot evict
// relay capability documents.
type Registry struct {
	Profiles  *Store[ranking.Profile]
	Follows   *Store[[]string]
	Mutes     *Store[[]string]
	Badges    *Store[[]string]
	RelayInfo *Store[*nip11.RelayInformationDocument]
}

// NewRegistry builds all stores from configuration. storage may be nil
// when no persistence layer is attached.
func NewRegistry(cfg config.CacheConfig, storage PersistentStorage) *Registry {
	return &Registry{
		Profiles:  NewStore[ranking.Profile]("profile", cfg.ProfileCapacity, cfg.ProfileTTL, storage),
		Follows:   NewStore[[]string]("follow_list", cfg.ListCapacity, cfg.FollowListTTL, storage),
		Mutes:     NewStore[[]string]("mute_list", cfg.ListCapacity, cfg.MuteListTTL, storage),
		Badges:    NewStore[[]string]("badge_set", cfg.ListCapacity, cfg.BadgeSetTTL, storage),
		RelayInfo: NewStore[*nip11.RelayInformationDocument]("relay_info", cfg.RelayInfoCapacity, cfg.RelayInfoTTL, storage),
	}
}

// Sizes reports per-class occupancy for health reporting.
func (r *Registry) Sizes() map[string]int {
	return map[string]int{
		"profile":     r.Profiles.Len(),
		"follow_list": r.Follows.Len(),
		"mute_list":   r.Mutes.Len(),
		"badge_set":   r.Badges.Len(),
		"relay_info":  r.RelayInfo.Len(),
	}
}

// InvalidateViewer drops every class of cached state for one pubkey.
// Called after the viewer mutates their own lists so the next read
// observes the write.
func (r *Registry) InvalidateViewer(pubkey string) {
	r.Profiles.Invalidate(pubkey)
	r.Follows.Invalidate(pubkey)
	r.Mutes.Invalidate(pubkey)
	r.Badges.Invalidate(pubkey)
}
