package taskqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// EncodeTask serializes t for the durable queues. Payload types must be
// registered with gob.Register.
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode %s task %q: %w", t.Type, t.ID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode task: empty record")
	}
	t := new(Task)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}
