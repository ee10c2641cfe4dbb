package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatching(t *testing.T) {
	err := ConnectionError("wss://relay.example.com", io.EOF)
	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrUnreachable)

	assert.ErrorIs(t, UnreachableError("publish"), ErrUnreachable)
	assert.ErrorIs(t, RateLimitError("slot wait"), ErrRateLimited)
	assert.ErrorIs(t, PublishRejectedError("wss://relay.example.com", "blocked"), ErrPublishRejected)
	assert.ErrorIs(t, ProtocolError("wss://relay.example.com", "bad frame"), ErrProtocol)
}

func TestMatchingThroughWrapping(t *testing.T) {
	inner := UnreachableError("subscribe")
	wrapped := fmt.Errorf("feed build failed: %w", inner)
	assert.ErrorIs(t, wrapped, ErrUnreachable)

	var appErr *AppError
	assert.True(t, errors.As(wrapped, &appErr))
	assert.Equal(t, TypeUnreachable, appErr.Type)
}

func TestUnwrapExposesCause(t *testing.T) {
	err := ConnectionError("wss://relay.example.com", io.EOF)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCodeRefinesTypeMatching(t *testing.T) {
	err := RateLimitError("queue full")
	withCode := &AppError{Type: TypeRateLimit, Code: "ADMISSION_TIMEOUT"}
	otherCode := &AppError{Type: TypeRateLimit, Code: "SOMETHING_ELSE"}
	assert.ErrorIs(t, err, withCode)
	assert.NotErrorIs(t, err, otherCode)
}

func TestErrorStringCarriesRelay(t *testing.T) {
	err := PublishRejectedError("wss://relay.example.com", "blocked: spam")
	assert.Contains(t, err.Error(), "wss://relay.example.com")
	assert.Contains(t, err.Error(), "blocked: spam")
}
