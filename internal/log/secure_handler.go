package log

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// sensitiveKeys contains attribute keys that are always masked.
var sensitiveKeys = map[string]bool{
	// Control port authentication
	"password":                true,
	"passwd":                  true,
	"secret":                  true,
	"control_secret":          true,
	"hashedcontrolpassword":   true,
	"hashed_control_password": true,
	"cookie":                  true,
	"auth_cookie":             true,

	// Onion service identity
	"onion_key":   true,
	"onionkey":    true,
	"key_blob":    true,
	"private_key": true,
	"privatekey":  true,
	"secret_key":  true,
}

// sensitiveKeywords mask any key containing them. The bare word "key" is
// excluded; "serviceID" and "keepSession" style keys are common here.
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "cookie", "credential", "private",
}

// sensitivePatterns mask the whole value when it matches.
var sensitivePatterns = []*regexp.Regexp{
	// HashedControlPassword: "16:" + hex(salt || indicator || digest)
	regexp.MustCompile(`^16:[0-9A-Fa-f]{58}$`),

	// Control secret as generated per run (32 random bytes, hex)
	regexp.MustCompile(`^[0-9a-fA-F]{64}$`),

	// Raw AUTHENTICATE command with its argument
	regexp.MustCompile(`(?i)^AUTHENTICATE\s+\S+`),

	// hs_ed25519_secret_key file header
	regexp.MustCompile(`== ed25519v1-secret:`),

	// Private key markers
	regexp.MustCompile(`(?i)-----BEGIN.*(PRIVATE|SECRET).*KEY-----`),
}

// keyBlobPattern matches an ADD_ONION key argument inside a longer string.
// Only the blob is replaced so the rest of the message stays readable.
var keyBlobPattern = regexp.MustCompile(`ED25519-V3:[A-Za-z0-9+/]{20,}={0,2}`)

// MaskValue is the string used to replace sensitive values.
const MaskValue = "***REDACTED***"

// SecureHandler wraps an slog.Handler and masks credentials in every
// attribute before the wrapped handler sees them.
//
// Design decision: redaction lives in a handler rather than at call sites,
// so a forgotten attribute in a new log line cannot leak the control
// password. Values that know they are secret (control.Secret) also redact
// themselves through slog.LogValuer; the handler resolves those first.
type SecureHandler struct {
	// handler is the underlying slog handler that receives sanitized records.
	handler slog.Handler
}

// NewSecureHandler wraps handler. A nil handler means slog.Default().Handler().
func NewSecureHandler(handler slog.Handler) *SecureHandler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &SecureHandler{handler: handler}
}

// Enabled delegates to the underlying handler.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle sanitizes the record's message and attributes and passes it on.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	sanitized := slog.NewRecord(r.Time, r.Level, redactInline(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		sanitized.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, sanitized)
}

// WithAttrs returns a handler with the sanitized attributes added.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitizedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		sanitizedAttrs[i] = sanitizeAttr(a)
	}
	return &SecureHandler{handler: h.handler.WithAttrs(sanitizedAttrs)}
}

// WithGroup returns a handler with the given group name.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{handler: h.handler.WithGroup(name)}
}

// sanitizeAttr masks a single attribute, recursing into groups.
func sanitizeAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		sanitizedAttrs := make([]slog.Attr, len(attrs))
		for i, groupAttr := range attrs {
			sanitizedAttrs[i] = sanitizeAttr(groupAttr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(sanitizedAttrs...)}
	}

	keyLower := strings.ToLower(a.Key)
	if sensitiveKeys[keyLower] || containsSensitiveKeyword(keyLower) {
		return slog.String(a.Key, MaskValue)
	}

	switch a.Value.Kind() {
	case slog.KindString:
		return sanitizeString(a.Key, a.Value.String())
	case slog.KindAny:
		// Errors carry command text in their message.
		if err, ok := a.Value.Any().(error); ok {
			return sanitizeString(a.Key, err.Error())
		}
	}
	return a
}

func sanitizeString(key, value string) slog.Attr {
	if isSensitiveValue(value) {
		return slog.String(key, MaskValue)
	}
	return slog.String(key, redactInline(value))
}

// containsSensitiveKeyword reports whether key contains a credential word.
func containsSensitiveKeyword(key string) bool {
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(key, keyword) {
			return true
		}
	}
	return false
}

// isSensitiveValue reports whether the whole value is a credential.
func isSensitiveValue(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

// redactInline replaces key blobs embedded in a longer string.
func redactInline(value string) string {
	if !strings.Contains(value, "ED25519-V3:") {
		return value
	}
	return keyBlobPattern.ReplaceAllString(value, "ED25519-V3:"+MaskValue)
}

// Level returns Debug in verbose mode and Warn otherwise.
func Level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// NewSecureLogger creates a text logger with redaction.
//
// Parameters:
//   - w: The io.Writer to write log output to (typically os.Stderr)
//   - verbose: If true, sets log level to Debug; otherwise Warn
func NewSecureLogger(w io.Writer, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level(verbose)}
	return slog.New(NewSecureHandler(slog.NewTextHandler(w, opts)))
}

// NewSecureJSONLogger creates a JSON logger with redaction, for log
// aggregation.
func NewSecureJSONLogger(w io.Writer, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level(verbose)}
	return slog.New(NewSecureHandler(slog.NewJSONHandler(w, opts)))
}
