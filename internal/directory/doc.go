// Package directory resolves user identifiers to long-term Ed25519 keys.
//
// Memory is an in-process trust store. HTTPClient talks to the identity
// directory service served by NewServer, where users publish their public
// key together with a self-signature. Pinned layers a local trust store over
// a remote directory: the first key fetched for a user is pinned locally and
// later lookups never leave the machine, so a directory that changes a key
// after first contact cannot redirect a session.
package directory
