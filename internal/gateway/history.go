package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// parseHistory reconstructs the message log from a chat.history payload.
// Text-empty entries are dropped, only user/assistant roles are kept, and
// tool call names are collected in the order their blocks appear.
func parseHistory(payload json.RawMessage) ([]Message, error) {
	var result historyResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("parsing history payload: %w", err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, wm := range result.Messages {
		if wm.Role != "user" && wm.Role != "assistant" {
			continue
		}
		text, tools := flattenContent(wm.Content)
		if text == "" {
			continue
		}
		id := wm.ID
		if id == "" {
			id = uuid.New().String()
		}
		var ts time.Time
		if wm.Timestamp > 0 {
			ts = time.UnixMilli(wm.Timestamp)
		}
		msgs = append(msgs, Message{
			ID:        id,
			Role:      wm.Role,
			Content:   text,
			ToolCalls: tools,
			Timestamp: ts,
		})
	}
	return msgs, nil
}

// flattenContent joins text blocks into one string and collects the names of
// tool-call blocks in encounter order.
func flattenContent(blocks []wireContent) (string, []string) {
	var sb strings.Builder
	var tools []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "toolCall", "tool_use":
			if b.Name != "" {
				tools = append(tools, b.Name)
			}
		}
	}
	return sb.String(), tools
}
