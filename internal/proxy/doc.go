// Package proxy implements the approxy connection router.
//
// The router accepts plain TCP connections from local applications that
// use it as their HTTP proxy. It sniffs the first request line, works out
// which application opened the connection, picks a route (direct, relay to
// an upstream proxy, or a tunnel through one) and splices the two legs
// together until either side closes.
package proxy
