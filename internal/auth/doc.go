// Package auth is the client side of passwordless email sign-in.
//
// The hosted auth API sends a magic link containing a one-time token. A
// browser completes sign-in by following the link; ritual completes it by
// calling Verify with the token. The resulting session is cached in the local
// key-value store so later processes start signed in.
//
// Identity changes are broadcast to subscribers. Subscribe returns a handle
// and callers must Unsubscribe when they are torn down.
package auth
