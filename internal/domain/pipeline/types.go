// Package pipeline defines the canonical request/response data model that
// flows through the transform chain, the routing table, and the
// backend/circuit-breaker state. Upstream wire formats are the only
// place variation lives; everything here is provider-agnostic.
package pipeline

// Role identifies the speaker of a canonical message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is one element of a message's content sequence.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// RawArguments keeps a tool_use block's argument text when it did not
	// parse as a JSON object; Input is nil in that case.
	RawArguments string `json:"raw_arguments,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`

	// BlockImage
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64 payload or URL

	// ToolResult/Text content share the same carrier so a tool_result can
	// hold either plain text or a nested block sequence from the tool.
	Content []ContentBlock `json:"content,omitempty"`
}

// Message is one turn in the canonical conversation.
//
// Content is either a plain string (Text) or an ordered block sequence
// (Blocks); exactly one is populated. Keeping both lets codecs round-trip
// the upstream's own preferred shape.
type Message struct {
	Role   Role           `json:"role"`
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// HasBlocks reports whether the message carries structured content.
func (m Message) HasBlocks() bool { return len(m.Blocks) > 0 }

// ToolChoiceMode selects how the model should use tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

// ToolChoice picks how the model may invoke tools. Name is set only when
// Mode == ToolChoiceNamed.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// ToolSpec describes one callable tool offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request is the canonical chat-completion request.
type Request struct {
	ModelHint     string         `json:"model_hint"`
	Messages      []Message      `json:"messages"`
	System        *Message       `json:"system,omitempty"`
	Tools         []ToolSpec     `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Stream        bool           `json:"stream"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// SessionID, when non-empty, makes the load balancer attempt a sticky
	// bind. Set by the HTTP handlers: from metadata.session_id on
	// /v1/messages, from the user field on /v1/chat/completions.
	SessionID string `json:"-"`
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopSequenceHit  StopReason = "stop_sequence"
	StopToolUse      StopReason = "tool_use"
	StopError        StopReason = "error"
)

// Usage reports token accounting for a completed request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the canonical non-streaming completion.
type Response struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	Model      string         `json:"model"`
}

// StreamEventType enumerates the canonical SSE event kinds.
type StreamEventType string

const (
	EventMessageStart      StreamEventType = "message_start"
	EventContentBlockStart StreamEventType = "content_block_start"
	EventContentBlockDelta StreamEventType = "content_block_delta"
	EventContentBlockStop  StreamEventType = "content_block_stop"
	EventMessageDelta      StreamEventType = "message_delta"
	EventMessageStop       StreamEventType = "message_stop"
)

// DeltaKind distinguishes the payload carried by a content_block_delta.
type DeltaKind string

const (
	DeltaText       DeltaKind = "text_delta"
	DeltaInputJSON  DeltaKind = "input_json_delta"
)

// Delta is the incremental payload of a content_block_delta event.
type Delta struct {
	Kind        DeltaKind `json:"kind"`
	Text        string    `json:"text,omitempty"`
	PartialJSON string    `json:"partial_json,omitempty"`
}

// UsageDelta carries the terminal usage update in a message_delta event.
type UsageDelta struct {
	OutputTokens int `json:"output_tokens,omitempty"`
}

// StreamEvent is one element of the canonical streaming sequence.
//
// For a given Index, exactly one content_block_start,
// zero-or-more content_block_delta (in order), then exactly one
// content_block_stop. StopReason is populated only on the terminal
// message_delta.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Index int            `json:"index,omitempty"`

	// content_block_start
	BlockType BlockType `json:"block_type,omitempty"`
	ToolUseID string    `json:"tool_use_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`

	// content_block_delta
	Delta *Delta `json:"delta,omitempty"`

	// content_block_stop: when a buffered tool_use block's accumulated JSON
	// fails to parse, RawArguments preserves the original text.
	RawArguments string `json:"raw_arguments,omitempty"`

	// message_start / message_stop metadata
	Message *Response `json:"message,omitempty"`

	// message_delta (terminal)
	StopReason StopReason  `json:"stop_reason,omitempty"`
	UsageDelta *UsageDelta `json:"usage_delta,omitempty"`
}
