package task

import (
	"encoding/json"
	"fmt"
)

func marshalPayload(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("task: marshal payload: %w", err)
	}
	return b, nil
}

func unmarshalPayload(b []byte, p *Payload) error {
	if err := json.Unmarshal(b, p); err != nil {
		return fmt.Errorf("task: parse payload: %w", err)
	}
	return nil
}
