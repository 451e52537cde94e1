// Copyright (c) 2024-2026 ScribeAI
// Author: ScribeAI Engineering <eng@scribeai.dev>
//
// Licensed under GPL-2.0 with ScribeAI Additional Terms.
// See LICENSE.md or contact sales@scribeai.dev for commercial usage.
package internal_analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	internal_compaction "github.com/scribeai/api/meeting-api/internal/compaction"
	internal_entity "github.com/scribeai/api/meeting-api/internal/entity"
	"github.com/scribeai/pkg/commons"
	"github.com/scribeai/pkg/utils"
)

// AnalysisResult is one analysis pass over the hierarchical context.
type AnalysisResult struct {
	Summary     []string `json:"summary"`
	Topics      []string `json:"topics"`
	Tags        []string `json:"tags"`
	Flow        int      `json:"flow"`
	Heat        int      `json:"heat"`
	ImagePrompt string   `json:"imagePrompt"`
}

// Analyzer turns a bounded context into analysis output and compacts runs of
// analyses into meta-summary bodies.
type Analyzer interface {
	Analyze(ctx context.Context, hc *internal_compaction.HierarchicalContext) (*AnalysisResult, error)
	internal_compaction.Synthesizer
}

const analysisSystemPrompt = `You analyze live meeting transcripts. Reply with a single JSON object:
{"summary": [..3-5 bullet strings..], "topics": [..strings..], "tags": [..strings..],
"flow": 0-100 (conversation pace), "heat": 0-100 (intensity/controversy),
"imagePrompt": "a vivid prompt for an abstract visual summary of the discussion"}`

const synthesisSystemPrompt = `You condense a series of meeting analyses into one medium-term summary.
Reply with a single JSON object: {"summary": [..2-4 bullet strings..], "themes": [..recurring theme strings..]}`

type openaiAnalyzer struct {
	logger commons.Logger
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAIAnalyzer creates the chat-completion-backed analyzer.
func NewOpenAIAnalyzer(apiKey string, logger commons.Logger) Analyzer {
	return &openaiAnalyzer{
		logger: logger,
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModelGPT4oMini,
	}
}

// Analyze renders the three tiers into a prompt and parses the JSON reply.
func (a *openaiAnalyzer) Analyze(ctx context.Context, hc *internal_compaction.HierarchicalContext) (*AnalysisResult, error) {
	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(analysisSystemPrompt),
			openai.UserMessage(renderContext(hc)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("analysis completion returned no choices")
	}

	var result AnalysisResult
	if err := json.Unmarshal([]byte(extractJSON(completion.Choices[0].Message.Content)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse analysis reply: %w", err)
	}

	result.Flow = utils.Clamp(result.Flow, 0, 100)
	result.Heat = utils.Clamp(result.Heat, 0, 100)
	return &result, nil
}

// Synthesize compacts analyses into a meta-summary body.
func (a *openaiAnalyzer) Synthesize(ctx context.Context, analyses []internal_entity.AnalysisRecord) ([]string, []string, error) {
	var sb strings.Builder
	for _, rec := range analyses {
		fmt.Fprintf(&sb, "[%s] %s | topics: %s\n",
			rec.Timestamp.Format("15:04:05"),
			strings.Join(rec.Summary, "; "),
			strings.Join(rec.Topics, ", "))
	}

	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(synthesisSystemPrompt),
			openai.UserMessage(sb.String()),
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("synthesis completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, nil, fmt.Errorf("synthesis completion returned no choices")
	}

	var body struct {
		Summary []string `json:"summary"`
		Themes  []string `json:"themes"`
	}
	if err := json.Unmarshal([]byte(extractJSON(completion.Choices[0].Message.Content)), &body); err != nil {
		return nil, nil, fmt.Errorf("failed to parse synthesis reply: %w", err)
	}
	return body.Summary, body.Themes, nil
}

// renderContext flattens the tiers into one prompt, long-term first so the
// freshest material sits closest to the question.
func renderContext(hc *internal_compaction.HierarchicalContext) string {
	var sb strings.Builder

	if len(hc.LongTerm) > 0 {
		sb.WriteString("Long-running themes: ")
		sb.WriteString(strings.Join(hc.LongTerm, ", "))
		sb.WriteString("\n\n")
	}

	for _, ms := range hc.MediumTerm {
		fmt.Fprintf(&sb, "Earlier (%s–%s): %s\n",
			ms.StartTime.Format("15:04"),
			ms.EndTime.Format("15:04"),
			strings.Join(ms.Summary, "; "))
	}
	if len(hc.MediumTerm) > 0 {
		sb.WriteString("\n")
	}

	for _, rec := range hc.ShortTerm.RecentAnalyses {
		fmt.Fprintf(&sb, "Recent analysis [%s]: %s\n",
			rec.Timestamp.Format("15:04:05"),
			strings.Join(rec.Summary, "; "))
	}

	sb.WriteString("\nCurrent transcript:\n")
	sb.WriteString(hc.ShortTerm.Transcript)
	return sb.String()
}

// extractJSON strips markdown fences some models wrap around JSON replies.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	return content
}
