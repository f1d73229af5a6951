package handlers

import (
	"encoding/json"

	"github.com/ngoclaw/llmgateway/internal/domain/pipeline"
)

// OpenAI-compatible /v1/chat/completions wire shapes, translated to and from
// the same canonical pipeline.Request/Response/StreamEvent model the native
// Anthropic handler uses.

type openAIRequest struct {
	Model       string             `json:"model" binding:"required"`
	Messages    []openAIMessage    `json:"messages" binding:"required"`
	Tools       []openAITool       `json:"tools,omitempty"`
	ToolChoice  json.RawMessage    `json:"tool_choice,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        json.RawMessage    `json:"stop,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	User        string             `json:"user,omitempty"`
}

type openAIMessage struct {
	Role       string              `json:"role"`
	Content    json.RawMessage     `json:"content,omitempty"`
	ToolCalls  []openAIToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string              `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	ImageURL *openAIImageURL   `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIFunctionSpec `json:"function"`
}

type openAIFunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int            `json:"index"`
	Message      openAIMessage  `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Model   string              `json:"model"`
	Choices []openAIChunkChoice `json:"choices"`
	Usage   *openAIUsage        `json:"usage,omitempty"`
}

type openAIChunkChoice struct {
	Index        int             `json:"index"`
	Delta        openAIDelta     `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type openAIDelta struct {
	Role      string                    `json:"role,omitempty"`
	Content   string                    `json:"content,omitempty"`
	ToolCalls []openAIToolCallDelta     `json:"tool_calls,omitempty"`
}

type openAIToolCallDelta struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function *openAIFunctionCall `json:"function,omitempty"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func newOpenAIError(fault pipeline.Fault, message string) openAIErrorBody {
	body := openAIErrorBody{}
	body.Error.Message = message
	switch fault {
	case pipeline.FaultClient:
		body.Error.Type = "invalid_request_error"
	case pipeline.FaultCapacityExhausted:
		body.Error.Type = "overloaded_error"
	default:
		body.Error.Type = "api_error"
	}
	return body
}

func toCanonicalRequestFromOpenAI(in *openAIRequest) (*pipeline.Request, error) {
	req := &pipeline.Request{
		ModelHint:   in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
	}
	if len(in.Stop) > 0 {
		var asString string
		if err := json.Unmarshal(in.Stop, &asString); err == nil {
			req.StopSequences = []string{asString}
		} else {
			var asSlice []string
			if err := json.Unmarshal(in.Stop, &asSlice); err == nil {
				req.StopSequences = asSlice
			}
		}
	}

	for _, m := range in.Messages {
		if m.Role == "system" {
			text, blocks, err := decodeOpenAIContent(m.Content)
			if err != nil {
				return nil, pipeline.NewClientFault("invalid system message content: %v", err)
			}
			req.System = &pipeline.Message{Role: pipeline.RoleSystem, Text: text, Blocks: blocks}
			continue
		}

		msg, err := toCanonicalMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range in.Tools {
		req.Tools = append(req.Tools, pipeline.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	if len(in.ToolChoice) > 0 {
		var asString string
		if err := json.Unmarshal(in.ToolChoice, &asString); err == nil {
			switch asString {
			case "none":
				req.ToolChoice = &pipeline.ToolChoice{Mode: pipeline.ToolChoiceNone}
			case "required":
				req.ToolChoice = &pipeline.ToolChoice{Mode: pipeline.ToolChoiceRequired}
			default:
				req.ToolChoice = &pipeline.ToolChoice{Mode: pipeline.ToolChoiceAuto}
			}
		} else {
			var named struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			}
			if err := json.Unmarshal(in.ToolChoice, &named); err == nil && named.Function.Name != "" {
				req.ToolChoice = &pipeline.ToolChoice{Mode: pipeline.ToolChoiceNamed, Name: named.Function.Name}
			}
		}
	}

	if in.User != "" {
		req.SessionID = in.User
	}

	return req, nil
}

func toCanonicalMessage(m openAIMessage) (pipeline.Message, error) {
	role := pipeline.Role(m.Role)
	if m.Role == "tool" {
		text, blocks, err := decodeOpenAIContent(m.Content)
		if err != nil {
			return pipeline.Message{}, pipeline.NewClientFault("invalid tool message content: %v", err)
		}
		block := pipeline.ContentBlock{Type: pipeline.BlockToolResult, ToolUseID: m.ToolCallID}
		if len(blocks) > 0 {
			block.Content = blocks
		} else {
			block.Content = []pipeline.ContentBlock{{Type: pipeline.BlockText, Text: text}}
		}
		return pipeline.Message{Role: pipeline.RoleUser, Blocks: []pipeline.ContentBlock{block}}, nil
	}

	if len(m.ToolCalls) > 0 {
		blocks := make([]pipeline.ContentBlock, 0, len(m.ToolCalls)+1)
		if text, _, err := decodeOpenAIContent(m.Content); err == nil && text != "" {
			blocks = append(blocks, pipeline.ContentBlock{Type: pipeline.BlockText, Text: text})
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			blocks = append(blocks, pipeline.ContentBlock{
				Type: pipeline.BlockToolUse, ID: tc.ID, Name: tc.Function.Name, Input: input,
			})
		}
		return pipeline.Message{Role: role, Blocks: blocks}, nil
	}

	text, blocks, err := decodeOpenAIContent(m.Content)
	if err != nil {
		return pipeline.Message{}, pipeline.NewClientFault("invalid content for message with role %q: %v", m.Role, err)
	}
	return pipeline.Message{Role: role, Text: text, Blocks: blocks}, nil
}

func decodeOpenAIContent(raw json.RawMessage) (string, []pipeline.ContentBlock, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil, nil
	}

	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, err
	}
	blocks := make([]pipeline.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, pipeline.ContentBlock{Type: pipeline.BlockText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				blocks = append(blocks, pipeline.ContentBlock{Type: pipeline.BlockImage, Data: p.ImageURL.URL})
			}
		}
	}
	return "", blocks, nil
}

func fromCanonicalResponseToOpenAI(resp *pipeline.Response, id string) openAIResponse {
	out := openAIResponse{
		ID:     id,
		Object: "chat.completion",
		Model:  resp.Model,
		Usage: openAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	msg := openAIMessage{Role: string(pipeline.RoleAssistant)}
	var text string
	for _, b := range resp.Content {
		switch b.Type {
		case pipeline.BlockText:
			text += b.Text
		case pipeline.BlockToolUse:
			args, _ := json.Marshal(b.Input)
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID: b.ID, Type: "function",
				Function: openAIFunctionCall{Name: b.Name, Arguments: string(args)},
			})
		}
	}
	if text != "" {
		raw, _ := json.Marshal(text)
		msg.Content = raw
	}

	out.Choices = []openAIChoice{{
		Index:        0,
		Message:      msg,
		FinishReason: openAIFinishReason(resp.StopReason),
	}}
	return out
}

func openAIFinishReason(r pipeline.StopReason) string {
	switch r {
	case pipeline.StopMaxTokens:
		return "length"
	case pipeline.StopToolUse:
		return "tool_calls"
	case pipeline.StopSequenceHit:
		return "stop"
	case pipeline.StopError:
		return "stop"
	default:
		return "stop"
	}
}
