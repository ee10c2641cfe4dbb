package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/murmurhq/feedcore/internal/errors"
	"github.com/nbd-wtf/go-nostr/nip11"
)

const (
	nip11Accept  = "application/nostr+json"
	nip11Timeout = 10 * time.Second
	nip11MaxBody = 1 << 20
)

var nip11Client = &http.Client{Timeout: nip11Timeout}

// FetchRelayInfo retrieves the relay's capability document over HTTP.
// The websocket URL is converted to its HTTP equivalent and the request
// carries the Accept header relays key the document off of.
func FetchRelayInfo(ctx context.Context, relayURL string) (*nip11.RelayInformationDocument, error) {
	httpURL, err := relayHTTPURL(relayURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return nil, apperrors.ConnectionError(relayURL, err)
	}
	req.Header.Set("Accept", nip11Accept)

	resp, err := nip11Client.Do(req)
	if err != nil {
		return nil, apperrors.ConnectionError(relayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.ProtocolError(relayURL, fmt.Sprintf("relay info request returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, nip11MaxBody))
	if err != nil {
		return nil, apperrors.ConnectionError(relayURL, err)
	}

	var info nip11.RelayInformationDocument
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, apperrors.ProtocolError(relayURL, "relay info document is not valid JSON")
	}
	return &info, nil
}

// RelayInfoFetcher adapts FetchRelayInfo to the store's fetcher shape.
func RelayInfoFetcher(relayURL string) Fetcher[*nip11.RelayInformationDocument] {
	return func(ctx context.Context) (*nip11.RelayInformationDocument, error) {
		return FetchRelayInfo(ctx, relayURL)
	}
}

func relayHTTPURL(relayURL string) (string, error) {
	switch {
	case strings.HasPrefix(relayURL, "wss://"):
		return "https://" + strings.TrimPrefix(relayURL, "wss://"), nil
	case strings.HasPrefix(relayURL, "ws://"):
		return "http://" + strings.TrimPrefix(relayURL, "ws://"), nil
	case strings.HasPrefix(relayURL, "https://"), strings.HasPrefix(relayURL, "http://"):
		return relayURL, nil
	default:
		return "", apperrors.ValidationError(fmt.Sprintf("unsupported relay URL scheme: %s", relayURL))
	}
}
