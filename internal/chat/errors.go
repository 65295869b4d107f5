package chat

import "errors"

// Synchronous ask failures, surfaced to the caller. Everything that goes
// wrong after generation has been kicked off is logged instead; subscribers
// find out through the stream (or its absence).
var (
	ErrChatNotFound     = errors.New("chat not found")
	ErrChatNotOwned     = errors.New("chat does not belong to the user")
	ErrModelUnavailable = errors.New("ai model not available")
)
