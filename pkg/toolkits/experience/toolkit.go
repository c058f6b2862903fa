package experience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// ToolQueryExperiences is the MCP tool name for searching experiences.
	ToolQueryExperiences = "query_experiences"

	// ToolSubmitExperience is the MCP tool name for recording an experience.
	ToolSubmitExperience = "submit_experience"

	// PromptSummarizeExperience is the MCP prompt name for experience authoring.
	PromptSummarizeExperience = "summarize_experience"
)

// Toolkit exposes the experience tools and prompt.
type Toolkit struct {
	query  *QueryEngine
	submit *SubmitEngine
}

// New creates a new experience toolkit.
func New(query *QueryEngine, submit *SubmitEngine) *Toolkit {
	return &Toolkit{query: query, submit: submit}
}

// Tools returns the tool definitions in a stable order.
func (*Toolkit) Tools() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name: ToolQueryExperiences,
			Description: "Searches recorded problem/solution experiences. Filter by keywords, optionally " +
				"add free text for semantic search, and page through results ranked by relevance, popularity, or recency.",
			InputSchema: queryExperiencesSchema,
		},
		{
			Name: ToolSubmitExperience,
			Description: "Records a solved problem as an experience: what went wrong, why, and how it was fixed. " +
				"The experience is published immediately and becomes searchable by its keywords.",
			InputSchema: submitExperienceSchema,
		},
	}
}

// Prompts returns the prompt definitions.
func (*Toolkit) Prompts() []*mcp.Prompt {
	return []*mcp.Prompt{
		{
			Name:        PromptSummarizeExperience,
			Description: "Guidance for writing a problem/root-cause/solution experience before submitting it",
		},
	}
}

// GetPrompt returns a prompt body by name.
func (*Toolkit) GetPrompt(name string) (*mcp.GetPromptResult, error) {
	if name != PromptSummarizeExperience {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}
	return &mcp.GetPromptResult{
		Description: "Guidance for writing a problem/root-cause/solution experience before submitting it",
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: summarizeExperiencePrompt},
			},
		},
	}, nil
}

// Query decodes query_experiences arguments and runs the query.
func (t *Toolkit) Query(ctx context.Context, raw json.RawMessage) (*QueryResult, error) {
	var args QueryArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return t.query.Query(ctx, args)
}

// Submit decodes submit_experience arguments and stores the experience.
// Arguments that do not decode are reported as a failed submission.
func (t *Toolkit) Submit(ctx context.Context, raw json.RawMessage) (*SubmitResult, error) {
	var in SubmitInput
	if err := decodeArgs(raw, &in); err != nil {
		return &SubmitResult{Status: SubmitFailed, Error: err.Error()}, nil
	}
	return t.submit.Submit(ctx, in), nil
}

// CallTool routes a tool by name.
func (t *Toolkit) CallTool(ctx context.Context, name string, raw json.RawMessage) (ToolResult, error) {
	switch name {
	case ToolQueryExperiences:
		res, err := t.Query(ctx, raw)
		if err != nil {
			return nil, err
		}
		return res, nil
	case ToolSubmitExperience:
		res, err := t.Submit(ctx, raw)
		if err != nil {
			return nil, err
		}
		return res, nil
	default:
		return nil, fmt.Errorf("tool not found: %s", name)
	}
}

// CallToolResult wraps a tool result for a tools/call response: the JSON
// encoding as text content plus the structured value. A failed submission is
// flagged as a tool error.
func CallToolResult(result ToolResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling tool result: %w", err)
	}

	out := &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(data)}},
		StructuredContent: result,
	}
	if r, ok := result.(*SubmitResult); ok && r.Status == SubmitFailed {
		out.IsError = true
	}
	return out, nil
}

// decodeArgs unmarshals tool arguments. Absent or null arguments decode to
// the zero value.
func decodeArgs(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return validationErrorf("arguments", "invalid arguments: %v", err)
	}
	return nil
}

// summarizeExperiencePrompt guides the agent in writing a submittable experience.
const summarizeExperiencePrompt = `## Summarize an Experience

Write up the problem you just solved so another engineer (or agent) can find and reuse it.
Use the sections below, in Markdown, then call submit_experience with the same content.

### Title
One line, at most 500 characters, naming the symptom and the technology.
Example: "Borrow checker rejects closure capturing loop variable"

### Problem Description
What was observed: error messages, failing commands, unexpected behavior. Quote exact
error text where possible.

### Root Cause
Why it happened. Skip this section if the cause is still unknown.

### Solution
The steps or code change that fixed it. Be concrete enough to apply without reading the
original conversation.

### Context
Versions, platform, configuration or constraints that matter (optional, at most 10000
characters).

### Keywords
Three or more short, lower-case terms someone would search for, such as the language,
library, tool and error category. Example: rust, borrow-checker, compiler`
