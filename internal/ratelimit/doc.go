// Package ratelimit throttles bridge API clients with one token bucket per
// client key (the peer IP by default) and evicts idle buckets in the
// background.
//
// The bridge only serves the co-located host application, so this guards
// against a misbehaving client looping on install or extract calls rather
// than against distributed abuse. The visitor table is capped so a flood of
// distinct keys cannot grow memory without bound.
package ratelimit
