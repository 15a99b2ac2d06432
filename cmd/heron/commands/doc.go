// Package commands defines the heron CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init           Create the local identity for a user id
//   - fingerprint    Print the identity fingerprint and shareable public key
//   - trust          Add, list or revoke trusted peer keys
//   - register       Publish the identity to a directory service
//   - serve          Accept encrypted connections and print received messages
//   - dial           Connect to a peer and send lines read from stdin
//   - demo           Run two identities in-process and show a key rotation
//
// # Configuration
//
// Flags default to the HERON_HOME, HERON_PASSPHRASE, HERON_DIRECTORY and
// HERON_POLICY environment variables, which may also come from a .env file
// in the working directory.
//
// # Implementation
//
// The dependency graph (vault, trust store, session manager, handshake
// engine) is built on first use by a subcommand, so commands that do not
// need local state, such as demo, never touch the home directory.
package commands
