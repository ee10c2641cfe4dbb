package engine

import (
	"context"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Signer abstracts key custody. The engine never sees private keys; it
// hands unsigned events to the signer and ciphertexts come back opaque.
type Signer interface {
	PublicKey() string
	SignEvent(ctx context.Context, ev *nostr.Event) error
	Encrypt(ctx context.Context, recipientPubKey, plaintext string) (string, error)
	Decrypt(ctx context.Context, senderPubKey, ciphertext string) (string, error)
}
