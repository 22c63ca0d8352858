// Package tor manages the local Tor daemon that backs an onion service.
//
// It covers everything that happens outside the control connection itself:
//   - launching the daemon with a private data directory (Supervisor)
//   - discovering the control port the daemon announces on disk (Locator)
//   - the v3 onion service key and the address derived from it
//   - verifying that a discovered SOCKS listener really is a Tor proxy
//
// Design decision: the daemon is always started with ControlPort and
// SocksPort set to "auto". Fixed ports collide with system Tor installations
// and with other instances of this tool, so the assigned control port is
// learned from the file Tor writes (ControlPortWriteToFile) and the SOCKS
// port is queried over the control connection afterwards.
package tor
