package queues

import (
	"encoding/json"
)

// events that arrive via the pub/sub bridge are wrapped in an outer envelope whose Message
// field holds the actual payload as a string, whereas continuation jobs we enqueue ourselves
// are bare JSON
type envelope struct {
	Message *string `json:"Message"`
}

// UnwrapBody returns the inner payload of a bridged event, or the body unchanged if it is
// a bare job record.
func UnwrapBody(body []byte) []byte {
	env := &envelope{}
	if err := json.Unmarshal(body, env); err == nil && env.Message != nil {
		return []byte(*env.Message)
	}
	return body
}
