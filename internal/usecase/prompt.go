package usecase

import (
	"strings"

	"finsight-agent/internal/domain"
)

func buildSystemPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a financial research assistant for public companies and markets.",
		"",
		"Behavior Rules:",
		behaviorRules(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) When the question needs company filings, prices, ratings, estimates, news or transcripts, call exactly one tool.",
		"2) Use ticker symbols in upper case, e.g. AAPL.",
		"3) Answer general questions directly without a tool.",
		"4) Quote figures with their units and reporting period.",
		"5) Never invent financial figures.",
	}, "\n")
}

// toolDataInstruction precedes the tool result in the final round.
func toolDataInstruction() string {
	return "The following tool result was fetched just now and may be more recent than your training data. " +
		"Treat it as accurate and current, and base your answer on it."
}

func buildDecisionMessages(messages []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(messages)+1)
	out = append(out, domain.ChatMessage{Role: domain.RoleSystem, Content: buildSystemPrompt()})
	return append(out, messages...)
}

// buildFinalMessages extends the decision transcript with the tool exchange.
func buildFinalMessages(transcript []domain.ChatMessage, call domain.ToolCall, result []byte) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(transcript)+3)
	out = append(out, transcript...)
	return append(out,
		domain.ChatMessage{Role: domain.RoleSystem, Content: toolDataInstruction()},
		domain.ChatMessage{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{call}},
		domain.ChatMessage{Role: domain.RoleTool, ToolCallID: call.ID, Content: string(result)},
	)
}
