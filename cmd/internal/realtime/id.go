package realtime

import (
	"time"

	"hearth/cmd/internal/ids"
)

// NewConnectionID returns a ULID used as connection id.
func NewConnectionID(now time.Time) string { return ids.New(now) }

// NewEnvelopeID returns a ULID used as outbound envelope id.
func NewEnvelopeID(now time.Time) string { return ids.New(now) }

// NewServerMsgID returns a ULID used as server message id.
func NewServerMsgID(now time.Time) string { return ids.New(now) }
