// Package server is the TCP transport of the metadata broker. Connections
// are admitted through a rate limiter and an optional connection cap; each
// connection has a reader goroutine that parses frames onto a shared request
// queue, and a fixed pool of workers performs recv-process-reply against the
// broker. Replies and broadcasts are routed back by transport identity.
package server
