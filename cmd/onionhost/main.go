// Package main provides the entry point for the onionhost CLI.
//
// onionhost starts a private Tor daemon, publishes an onion service for a
// local port under a persistent key and reports the service address.
//
// Usage:
//
//	onionhost init
//	onionhost run --keep-session
//	onionhost check 127.0.0.1:9050
//
// See --help for all available options.
package main

// main is the entry point for onionhost.
func main() {
	Execute()
}
