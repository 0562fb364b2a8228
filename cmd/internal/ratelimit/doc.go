// Package ratelimit implements the realtime gateway's throttling primitives.
//
// Limiter keeps per-user fixed windows for each action kind (messages, typing, room joins).
// A window resets on the first read after it expired, so IsLimited and Increment always agree
// on the same window.
//
// SlidingWindow is the per-connection frame flood guard applied before any event decoding.
package ratelimit
