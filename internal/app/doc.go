// Package app wires application dependencies for the CLI.
//
// It builds the encrypted file store, the signing service and the
// encryption engines from Config, exposing them via the Wire struct for
// commands to use.
package app
