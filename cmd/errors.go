package cmd

import (
	"log/slog"
	"strings"
)

// formatAgentError classifies a loop error into a short message safe to show
// in the terminal. Never exposes raw API payloads.
func formatAgentError(raw string) string {
	lower := strings.ToLower(raw)

	if isContextOverflowError(lower) {
		return "Context overflow: the conversation is too large for this model. Start a fresh session."
	}
	if isMessageFormatError(lower) {
		return "Session history conflict. Try again; if it persists, start a fresh session."
	}
	if containsAny(lower, "rate limit", "rate_limit", "too many requests", "429", "quota exceeded", "resource_exhausted") {
		return "API rate limit reached. Try again later."
	}
	if strings.Contains(lower, "overloaded") {
		return "The AI service is temporarily overloaded. Try again in a moment."
	}
	if containsAny(lower, "billing", "insufficient credits", "credit balance", "payment required", "402") {
		return "API billing error: your key may be out of credits."
	}
	if containsAny(lower, "invalid api key", "invalid_api_key", "unauthorized", "forbidden", "authentication", "401", "403", "access denied") {
		return "Authentication error. Check your API key configuration."
	}
	if containsAny(lower, "timeout", "timed out", "deadline exceeded") {
		return "Request timed out. Try again."
	}
	if strings.Contains(lower, "not a valid model") {
		return "Model configuration error. Check your config."
	}

	slog.Warn("unclassified agent error", "error", raw)
	return "Something went wrong processing your message. Try again."
}

func isContextOverflowError(lower string) bool {
	return containsAny(lower,
		"request_too_large",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"exceeds model context window",
		"request exceeds the maximum size",
	) || (strings.Contains(lower, "context") &&
		containsAny(lower, "overflow", "too large", "too long", "limit", "exceeded"))
}

func isMessageFormatError(lower string) bool {
	return containsAny(lower,
		"tool_use_id",
		"tool_use.id",
		"unexpected tool",
		"roles must alternate",
		"incorrect role information",
		"invalid request format",
		"tool_result block",
		"tool_use block",
	)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
