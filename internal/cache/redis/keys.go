package redis

import "strings"

// Every key, channel and stream lives under one prefix:
//
//	orderflow:bars:{SYM}:{tf}  - list of finished bars, newest at the head
//	orderflow:book:{SYM}       - JSON book snapshot with a TTL
//	orderflow:lock:{name}      - distributed locks
//	orderflow:ratelimit:...    - rate limit counters
//	orderflow:{kind}:{SYM}     - pub/sub channels (bar, book, status)
//	orderflow:stream:bars      - durable stream of finished bars
//
// Pub/sub channels and keys are separate namespaces in Redis, so the book
// key and the book channel may share a name.
const keyPrefix = "orderflow:"

// BarListKey is the list holding recent finished bars.
func BarListKey(instrument, timeframe string) string {
	return keyPrefix + "bars:" + strings.ToUpper(instrument) + ":" + timeframe
}

// BookKey holds the latest book snapshot for an instrument.
func BookKey(instrument string) string {
	return keyPrefix + "book:" + strings.ToUpper(instrument)
}

// busName namespaces a channel or stream name.
func busName(name string) string {
	if strings.HasPrefix(name, keyPrefix) {
		return name
	}
	return keyPrefix + name
}
