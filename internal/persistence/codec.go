package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/petrijr/flowgraph/pkg/api"
)

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Values are encoded as interface{}, so their concrete types must be
// registered with gob.Register.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a payload written by EncodeValue into T.
// Empty data decodes to the zero value of T.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return zero, err
	}
	if iv == nil {
		return zero, nil
	}
	v, ok := iv.(T)
	if !ok {
		return zero, fmt.Errorf("gob: decoded %T, want %T", iv, zero)
	}
	return v, nil
}

// instanceBlobs is the encoded form of the variable-shape parts of an
// instance, shared by the SQL, Redis and Mongo stores.
type instanceBlobs struct {
	Input    []byte
	Outputs  []byte
	States   []byte
	Awaiting []byte
	Error    string
}

func encodeInstance(inst *api.WorkflowInstance) (instanceBlobs, error) {
	var b instanceBlobs
	var err error
	if b.Input, err = EncodeValue(inst.Input); err != nil {
		return b, fmt.Errorf("encode input: %w", err)
	}
	if len(inst.Outputs) > 0 {
		if b.Outputs, err = EncodeValue(inst.Outputs); err != nil {
			return b, fmt.Errorf("encode outputs: %w", err)
		}
	}
	if len(inst.ActivityStates) > 0 {
		if b.States, err = EncodeValue(inst.ActivityStates); err != nil {
			return b, fmt.Errorf("encode activity states: %w", err)
		}
	}
	if len(inst.Awaiting) > 0 {
		if b.Awaiting, err = EncodeValue(inst.Awaiting); err != nil {
			return b, fmt.Errorf("encode awaiting: %w", err)
		}
	}
	if inst.Err != nil {
		b.Error = inst.Err.Error()
	}
	return b, nil
}

func decodeInstance(inst *api.WorkflowInstance, b instanceBlobs) error {
	var err error
	if inst.Input, err = DecodeValue[any](b.Input); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if inst.Outputs, err = DecodeValue[map[string]any](b.Outputs); err != nil {
		return fmt.Errorf("decode outputs: %w", err)
	}
	if inst.ActivityStates, err = DecodeValue[map[string]any](b.States); err != nil {
		return fmt.Errorf("decode activity states: %w", err)
	}
	if inst.Awaiting, err = DecodeValue[[]api.AwaitingActivity](b.Awaiting); err != nil {
		return fmt.Errorf("decode awaiting: %w", err)
	}
	if b.Error != "" {
		inst.Err = errors.New(b.Error)
	}
	return nil
}
