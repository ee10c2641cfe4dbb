package main

import (
	"context"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

// localSigner holds a hex secret key in memory. Meant for the CLI only;
// applications embed their own Signer over NIP-07/NIP-46 or hardware.
type localSigner struct {
	sk string
	pk string
}

func newLocalSigner(sk string) (*localSigner, error) {
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &localSigner{sk: sk, pk: pk}, nil
}

func (s *localSigner) PublicKey() string { return s.pk }

func (s *localSigner) SignEvent(_ context.Context, ev *nostr.Event) error {
	return ev.Sign(s.sk)
}

func (s *localSigner) Encrypt(_ context.Context, recipientPubKey, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPubKey, s.sk)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, shared)
}

func (s *localSigner) Decrypt(_ context.Context, senderPubKey, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(senderPubKey, s.sk)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(ciphertext, shared)
}

// readOnlySigner identifies a viewer without key custody; every write
// operation fails.
type readOnlySigner struct {
	pk string
}

func (s *readOnlySigner) PublicKey() string { return s.pk }

func (s *readOnlySigner) SignEvent(context.Context, *nostr.Event) error {
	return fmt.Errorf("read-only session cannot sign events")
}

func (s *readOnlySigner) Encrypt(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("read-only session cannot encrypt")
}

func (s *readOnlySigner) Decrypt(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("read-only session cannot decrypt")
}
