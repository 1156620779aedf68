// Package logging provides structured JSON logging with automatic secret redaction.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Known secret field names that must be redacted in all log output.
// Provisioned identities and broker-issued credentials flow through the
// orchestrator; none of their secret material may ever reach a log line.
var secretFieldNames = []string{
	"secretaccesskey",
	"sessiontoken",
	"password",
	"passwordhash",
	"temp_password",
	"secret",
	"secret_key",
	"secretkey",
	"private_key",
	"privatekey",
	"token",
	"access_token",
	"accesstoken",
	"credentials",
	"external_id",
}

// RedactingWriter wraps an io.Writer and replaces the values of known
// secret fields before the event reaches the inner writer. It sits between
// zerolog and the final writer, so every event arrives as one JSON line.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter creates a writer that redacts secret field values from log output.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

func (rw *RedactingWriter) Write(p []byte) (n int, err error) {
	var fields map[string]any
	if json.Unmarshal(p, &fields) != nil {
		// Not a JSON event; nothing field-shaped to scrub.
		return rw.inner.Write(p)
	}
	if !redactFields(fields) {
		return rw.inner.Write(p)
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return rw.inner.Write(p)
	}
	out = append(out, '\n')
	if _, err := rw.inner.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

// redactFields replaces secret string values in place, descending into
// nested objects. Reports whether anything was replaced.
func redactFields(fields map[string]any) bool {
	changed := false
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			if IsSecretField(k) && val != "" {
				fields[k] = RedactValue(val)
				changed = true
			}
		case map[string]any:
			if redactFields(val) {
				changed = true
			}
		}
	}
	return changed
}

// NewLogger creates a structured console logger. The correlation id, when
// set, is attached to every event so one ticket's run can be traced
// end to end.
func NewLogger(level string, correlationID string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	logger := zerolog.New(&RedactingWriter{inner: writer}).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "ticketops").
		Logger()

	if correlationID != "" {
		logger = logger.With().Str("correlation_id", correlationID).Logger()
	}

	return logger
}

// NewJSONLogger creates a JSON-formatted logger for file output or machine consumption.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(&RedactingWriter{inner: w}).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "ticketops").
		Logger()
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}
