// Package commands defines the nacre CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init         Create the local device account
//   - fingerprint  Print the device identity keys
//   - keys         Show or replenish the one-time key pool
//
// # Implementation
//
// The root command decodes configuration from the environment, applies flag
// overrides and builds the dependency graph (encrypted file store, signing
// service, encryption engines) before any subcommand runs.
package commands
