package resource

import (
	"encoding/json"
	"strings"

	"github.com/vitwit/x402gate/types"
)

// MessageBody is the JSON body accepted by conversational resources.
type MessageBody struct {
	Message string `json:"message"`
}

// ParseMessage extracts a non-empty "message" field from body.
func ParseMessage(body []byte) (string, error) {
	var mb MessageBody
	if len(body) == 0 {
		return "", types.Errorf(types.ErrInvalidInput, "message is required")
	}
	if err := json.Unmarshal(body, &mb); err != nil {
		return "", types.Errorf(types.ErrInvalidInput, "request body must be JSON: %v", err)
	}
	if strings.TrimSpace(mb.Message) == "" {
		return "", types.Errorf(types.ErrInvalidInput, "message is required")
	}
	return mb.Message, nil
}
