// Package control implements the client side of Tor's control protocol:
// the line-oriented administrative channel a controller uses to
// authenticate, create onion services and query runtime variables.
//
// Framing and reply parsing come from github.com/cretz/bine/control. This
// package adds the session rules around it. Replies carry no request
// identifier; they are matched to commands purely by order, so a Session
// runs one command at a time. Between commands an event pump reads
// asynchronous replies (status 6xx) and converts them to typed events.
// Event consumers never run on the connection reader, so they cannot
// deadlock it by issuing commands of their own.
//
// The session moves through three states:
//
//	Unauthenticated -> Authenticated -> EventSubscribed
//
// Privileged commands are refused locally, without touching the wire,
// until authentication has succeeded.
package control
