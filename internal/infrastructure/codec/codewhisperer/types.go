// Package codewhisperer implements the protocol codec for AWS
// CodeWhisperer's conversationState wire format.
//
// CodeWhisperer has no public OpenAPI-style spec; its shape is reconstructed
// from the GenerateAssistantResponse operation used by AWS's own editor
// plugins: a conversationState body carrying the current turn plus history,
// and an event-stream response where each frame carries either an
// assistantResponseEvent (text delta) or a toolUseEvent (tool-call delta).
// The transport layer is responsible for de-framing the raw
// application/vnd.amazon.eventstream payload into the line-oriented
// pipeline.StreamSource this codec consumes — one JSON object per line,
// tagged with an "event" discriminator.
package codewhisperer

// wireConversationState is the CodeWhisperer generateAssistantResponse body.
type wireConversationState struct {
	ConversationID string            `json:"conversationId,omitempty"`
	CurrentMessage wireUserMessage   `json:"currentMessage"`
	History        []wireHistoryTurn `json:"history,omitempty"`
	ChatTriggerType string           `json:"chatTriggerType"`
}

type wireHistoryTurn struct {
	UserInputMessage      *wireUserMessage      `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *wireAssistantMessage `json:"assistantResponseMessage,omitempty"`
}

type wireUserMessage struct {
	Content            string                     `json:"content"`
	UserInputMessageContext *wireUserMessageContext `json:"userInputMessageContext,omitempty"`
}

type wireUserMessageContext struct {
	ToolResults []wireToolResult `json:"toolResults,omitempty"`
	Tools       []wireTool       `json:"tools,omitempty"`
}

type wireToolResult struct {
	ToolUseID string                   `json:"toolUseId"`
	Content   []map[string]interface{} `json:"content"`
	Status    string                   `json:"status"` // "success" | "error"
}

type wireTool struct {
	ToolSpecification wireToolSpecification `json:"toolSpecification"`
}

type wireToolSpecification struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type wireAssistantMessage struct {
	Content   string         `json:"content"`
	ToolUses  []wireToolUse  `json:"toolUses,omitempty"`
}

type wireToolUse struct {
	ToolUseID string                 `json:"toolUseId"`
	Name      string                 `json:"name"`
	Input     map[string]interface{} `json:"input"`
}

// wireStreamFrame is one de-framed event-stream line. Exactly one of the
// payload fields is populated per the Event discriminator.
type wireStreamFrame struct {
	Event string `json:"event"`

	// assistantResponseEvent
	Content string `json:"content,omitempty"`

	// toolUseEvent
	ToolUseID string                 `json:"toolUseId,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	InputDelta string                `json:"inputDelta,omitempty"`
	Stop      bool                   `json:"stop,omitempty"`

	// messageMetadataEvent / citationEvent carry nothing this codec surfaces.
}
