package engine

import (
	"context"

	apperrors "github.com/murmurhq/feedcore/internal/errors"
	"github.com/murmurhq/feedcore/internal/filters"
	"github.com/murmurhq/feedcore/internal/pool"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// PublishNote signs and fans out a kind-1 note. Tags may carry reply or
// mention markers built by the caller.
func (e *Engine) PublishNote(ctx context.Context, content string, tags nostr.Tags) (map[string]pool.PublishResult, error) {
	if content == "" {
		return nil, apperrors.ValidationError("empty note content")
	}
	ev := nostr.Event{
		Kind:      nostr.KindTextNote,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags:      tags,
	}
	return e.signAndPublish(ctx, &ev)
}

// React publishes a kind-7 reaction to the target event. content "+" is
// a plain like; anything else is a custom reaction.
func (e *Engine) React(ctx context.Context, target *nostr.Event, content string) (map[string]pool.PublishResult, error) {
	if target == nil {
		return nil, apperrors.ValidationError("react: nil target event")
	}
	if content == "" {
		content = "+"
	}
	ev := nostr.Event{
		Kind:      nostr.KindReaction,
		CreatedAt: nostr.Now(),
		Content:   content,
		Tags: nostr.Tags{
			{"e", target.ID},
			{"p", target.PubKey},
		},
	}
	return e.signAndPublish(ctx, &ev)
}

// Repost publishes a kind-6 repost wrapping the target event.
func (e *Engine) Repost(ctx context.Context, target *nostr.Event) (map[string]pool.PublishResult, error) {
	if target == nil {
		return nil, apperrors.ValidationError("repost: nil target event")
	}
	raw, err := marshalEvent(target)
	if err != nil {
		return nil, err
	}
	ev := nostr.Event{
		Kind:      nostr.KindRepost,
		CreatedAt: nostr.Now(),
		Content:   raw,
		Tags: nostr.Tags{
			{"e", target.ID},
			{"p", target.PubKey},
		},
	}
	return e.signAndPublish(ctx, &ev)
}

// Follow rebuilds the viewer's kind-3 list with the pubkey added,
// publishes it and invalidates the cached list before returning so the
// next read observes the write.
func (e *Engine) Follow(ctx context.Context, pubkey string) (map[string]pool.PublishResult, error) {
	return e.mutateFollowList(ctx, pubkey, true)
}

// Unfollow removes the pubkey from the viewer's kind-3 list.
func (e *Engine) Unfollow(ctx context.Context, pubkey string) (map[string]pool.PublishResult, error) {
	return e.mutateFollowList(ctx, pubkey, false)
}

func (e *Engine) mutateFollowList(ctx context.Context, pubkey string, add bool) (map[string]pool.PublishResult, error) {
	if e.signer == nil {
		return nil, apperrors.SignerError("follow list update", nil)
	}
	if pubkey == "" {
		return nil, apperrors.ValidationError("empty pubkey")
	}
	viewer := e.signer.PublicKey()

	current, err := e.FetchFollowList(ctx, viewer)
	if err != nil {
		return nil, err
	}

	next := make([]string, 0, len(current)+1)
	present := false
	for _, pk := range current {
		if pk == pubkey {
			present = true
			if !add {
				continue
			}
		}
		next = append(next, pk)
	}
	if add && !present {
		next = append(next, pubkey)
	}

	tags := make(nostr.Tags, 0, len(next))
	for _, pk := range next {
		tags = append(tags, nostr.Tag{"p", pk})
	}
	ev := nostr.Event{
		Kind:      nostr.KindFollowList,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}

	results, err := e.signAndPublish(ctx, &ev)
	if err != nil {
		return results, err
	}

	// Invalidate before returning: read-your-writes on the follow list.
	e.caches.Follows.Invalidate(viewer)
	if add {
		e.graph.AddFollow(pubkey)
	} else {
		e.graph.RemoveFollow(pubkey)
	}
	e.log.Info("follow list updated",
		zap.String("pubkey", pubkey), zap.Bool("added", add), zap.Int("size", len(next)))
	return results, nil
}

// MarkNotInterested records negative feedback locally. It never leaves
// the device; only the ranking context changes.
func (e *Engine) MarkNotInterested(eventID, author string) {
	e.graph.MarkNotInterested(eventID, author)
}

// RecordEngagement feeds the personalization history. action is one of
// "like", "repost", "reply".
func (e *Engine) RecordEngagement(action, author string) {
	e.graph.RecordEngagement(action, author)
}

// SendDirectMessage encrypts the plaintext for the recipient via the
// signer and publishes a kind-4 envelope.
func (e *Engine) SendDirectMessage(ctx context.Context, recipient, plaintext string) (map[string]pool.PublishResult, error) {
	if e.signer == nil {
		return nil, apperrors.SignerError("send dm", nil)
	}
	if recipient == "" || plaintext == "" {
		return nil, apperrors.ValidationError("dm requires recipient and content")
	}

	ciphertext, err := e.signer.Encrypt(ctx, recipient, plaintext)
	if err != nil {
		return nil, apperrors.SignerError("encrypt dm", err)
	}
	ev := nostr.Event{
		Kind:      nostr.KindEncryptedDirectMessage,
		CreatedAt: nostr.Now(),
		Content:   ciphertext,
		Tags:      nostr.Tags{{"p", recipient}},
	}
	return e.signAndPublish(ctx, &ev)
}

// DirectMessage is one decrypted leg of a kind-4 conversation.
type DirectMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Content   string          `json:"content"`
	CreatedAt nostr.Timestamp `json:"created_at"`
}

// FetchDirectMessages loads both directions of the kind-4 conversation
// with peer, oldest first, decrypting each leg through the signer.
// Messages that fail to decrypt are skipped.
func (e *Engine) FetchDirectMessages(ctx context.Context, peer string, since *nostr.Timestamp, limit int) ([]DirectMessage, error) {
	if e.signer == nil {
		return nil, apperrors.SignerError("fetch dms", nil)
	}
	if peer == "" {
		return nil, apperrors.ValidationError("dm fetch requires a peer")
	}
	viewer := e.signer.PublicKey()

	events, err := e.collect(ctx, filters.DirectMessages(viewer, peer, since, limit))
	if err != nil {
		return nil, err
	}
	sortOldestFirst(events)

	msgs := make([]DirectMessage, 0, len(events))
	for _, ev := range events {
		// NIP-04 shared secrets are symmetric, so the peer key decrypts
		// both sent and received legs.
		plaintext, err := e.signer.Decrypt(ctx, peer, ev.Content)
		if err != nil {
			e.log.Debug("dm decrypt failed",
				zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		to := peer
		if ev.PubKey != viewer {
			to = viewer
		}
		msgs = append(msgs, DirectMessage{
			ID:        ev.ID,
			From:      ev.PubKey,
			To:        to,
			Content:   plaintext,
			CreatedAt: ev.CreatedAt,
		})
	}
	return msgs, nil
}

// DeleteEvent publishes a kind-5 deletion request for one of the viewer's
// events. Relays honoring NIP-09 stop serving the target.
func (e *Engine) DeleteEvent(ctx context.Context, eventID, reason string) (map[string]pool.PublishResult, error) {
	if eventID == "" {
		return nil, apperrors.ValidationError("empty event id")
	}
	ev := nostr.Event{
		Kind:      nostr.KindDeletion,
		CreatedAt: nostr.Now(),
		Content:   reason,
		Tags:      nostr.Tags{{"e", eventID}},
	}
	return e.signAndPublish(ctx, &ev)
}

func (e *Engine) signAndPublish(ctx context.Context, ev *nostr.Event) (map[string]pool.PublishResult, error) {
	if e.signer == nil {
		return nil, apperrors.SignerError("publish", nil)
	}
	ev.PubKey = e.signer.PublicKey()
	if err := e.signer.SignEvent(ctx, ev); err != nil {
		return nil, apperrors.SignerError("sign event", err)
	}
	return e.pool.Publish(ctx, ev)
}

func marshalEvent(ev *nostr.Event) (string, error) {
	raw, err := ev.MarshalJSON()
	if err != nil {
		return "", apperrors.ValidationError("repost target does not marshal")
	}
	return string(raw), nil
}
