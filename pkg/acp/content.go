package acp

// ============================================================================
// CONTENT BLOCKS
// Variant type for prompt and response content. Every variant may carry its
// own _meta extension map.
// ============================================================================

// ContentType discriminates the content block variants.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeImage      ContentType = "image"
	ContentTypeResource   ContentType = "resource"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
)

// ContentBlock is a single unit of prompt or response content.
type ContentBlock struct {
	Type ContentType `json:"type"`

	// Text variant.
	Text string `json:"text,omitempty"`

	// Image variant: base64 payload plus MIME type.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// Resource variant.
	URI string `json:"uri,omitempty"`

	// Tool use variant.
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// Tool result variant.
	ToolCallID string         `json:"toolCallId,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	Meta map[string]interface{} `json:"_meta,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// ============================================================================
// SESSION UPDATES
// Variant type for streaming notifications delivered via session/update.
// ============================================================================

// UpdateType discriminates the session update variants.
type UpdateType string

const (
	UpdateTypeContentChunk UpdateType = "content_chunk"
	UpdateTypeThoughtChunk UpdateType = "thought_chunk"
	UpdateTypeToolCall     UpdateType = "tool_call"
	UpdateTypeToolResult   UpdateType = "tool_result"
	UpdateTypeUsage        UpdateType = "usage"
)

// SessionUpdate is the payload of a session/update notification.
type SessionUpdate struct {
	Type UpdateType `json:"type"`

	// content_chunk and thought_chunk carry a block.
	Block *ContentBlock `json:"block,omitempty"`

	// tool_call and tool_result.
	ToolCallID string                 `json:"toolCallId,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	ToolInput  map[string]interface{} `json:"toolInput,omitempty"`
	Result     []ContentBlock         `json:"result,omitempty"`

	// usage.
	Usage *Usage `json:"usage,omitempty"`
}

// Usage reports token consumption for a request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NormalizedResponse is the canonical response shape produced by normalizer
// nodes regardless of which backend served the request.
type NormalizedResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      *Usage         `json:"usage,omitempty"`
	Backend    string         `json:"backend"`
	Model      string         `json:"model,omitempty"`
	ID         string         `json:"id,omitempty"`
}

// UpdateMethod is the notification method used for streaming updates.
const UpdateMethod = "session/update"

// UpdateNotification wraps a session update in a notification addressed to
// the given request id. Transports route SSE subscribers on params.requestId,
// which is always the string form of the id.
func UpdateNotification(requestID string, sessionID string, update SessionUpdate) *Notification {
	params := map[string]interface{}{
		"requestId": requestID,
		"update":    update,
	}
	if sessionID != "" {
		params["sessionId"] = sessionID
	}
	return NewNotification(UpdateMethod, params)
}
