package service

import (
	"context"

	"peerchat/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey enables logging of message bodies and unmasked peer names.
const VerboseContextKey ContextKey = "verbose"

// WithVerbose returns ctx with verbose logging set.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizeContent completely hides message content for privacy
func SanitizeContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden]"
}

// messageFields builds the standard fields for a ledger record. Peer names
// are masked and the body hidden unless verbose logging is on.
func messageFields(ctx context.Context, sender, receiver, body string) logrus.Fields {
	if IsVerboseLogging(ctx) {
		return logrus.Fields{
			LogFieldSender:   sender,
			LogFieldReceiver: receiver,
			LogFieldBody:     body,
		}
	}
	return logrus.Fields{
		LogFieldSender:   privacy.MaskNickname(sender),
		LogFieldReceiver: privacy.MaskNickname(receiver),
		LogFieldBody:     SanitizeContent(body),
	}
}

// targetField returns the target address, masked unless verbose.
func targetField(ctx context.Context, addr string) string {
	if IsVerboseLogging(ctx) {
		return addr
	}
	return privacy.MaskAddress(addr)
}
