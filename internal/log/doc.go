// Package log provides the application's slog setup with automatic
// redaction of Tor credentials.
//
// The control port is protected by a per-run password, the daemon is
// started with its hashed form, and the onion service key travels to the
// daemon inside ADD_ONION. None of these may reach a log file, even in
// verbose mode, because logs are routinely attached to bug reports.
//
// # Redaction
//
// The SecureHandler masks:
//   - attributes whose key names a credential (password, secret, onion_key, cookie...)
//   - hashed control passwords ("16:" followed by 58 hex digits)
//   - hex encoded control secrets and AUTHENTICATE command lines
//   - "ED25519-V3:<base64>" key blobs, wherever they occur in a string
//   - the header of hs_ed25519_secret_key files and PEM private keys
//
// # Usage
//
//	logger := log.NewSecureLogger(os.Stderr, verbose)
//	slog.SetDefault(logger)
//
// The logger can be handed to tornago and to every internal package that
// accepts a *slog.Logger.
package log
