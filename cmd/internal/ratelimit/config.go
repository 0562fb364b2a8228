package ratelimit

import (
	"strings"
	"time"
)

// Action is a rate-limited action kind.
type Action string

const (
	ActionMessage  Action = "message"
	ActionTyping   Action = "typing"
	ActionJoinRoom Action = "joinRoom"
)

// Actions lists every action kind with a dedicated threshold.
var Actions = []Action{ActionMessage, ActionTyping, ActionJoinRoom}

// DefaultWindow is the fixed window length used when none is configured.
const DefaultWindow = 60 * time.Second

// Config holds window length and per-action thresholds.
type Config struct {
	Window time.Duration
	Limits map[Action]int
}

// DefaultConfig returns the thresholds for a deployment environment.
// Production is stricter than development and test.
func DefaultConfig(env string) Config {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return Config{
			Window: DefaultWindow,
			Limits: map[Action]int{
				ActionMessage:  30,
				ActionTyping:   60,
				ActionJoinRoom: 20,
			},
		}
	default:
		return Config{
			Window: DefaultWindow,
			Limits: map[Action]int{
				ActionMessage:  100,
				ActionTyping:   200,
				ActionJoinRoom: 100,
			},
		}
	}
}

// Limit returns the threshold for an action. Unknown actions are unlimited (0).
func (c Config) Limit(a Action) int {
	if c.Limits == nil {
		return 0
	}
	return c.Limits[a]
}

func (c Config) sanitized() Config {
	out := Config{Window: c.Window, Limits: make(map[Action]int, len(c.Limits))}
	if out.Window <= 0 {
		out.Window = DefaultWindow
	}
	for a, n := range c.Limits {
		if n > 0 {
			out.Limits[a] = n
		}
	}
	return out
}
