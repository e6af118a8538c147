package index

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Message carries the decomposed search parameters of one resource version,
// as produced by the record decomposer.
type Message struct {
	RequestShard      string      `json:"requestShard,omitempty"`
	ResourceType      string      `json:"resourceType"`
	LogicalID         string      `json:"logicalId"`
	LogicalResourceID int64       `json:"logicalResourceId"`
	VersionID         int         `json:"versionId"`
	Parameters        []Parameter `json:"-"`
}

type messageJSON struct {
	RequestShard      string            `json:"requestShard,omitempty"`
	ResourceType      string            `json:"resourceType"`
	LogicalID         string            `json:"logicalId"`
	LogicalResourceID int64             `json:"logicalResourceId"`
	VersionID         int               `json:"versionId"`
	Parameters        []json.RawMessage `json:"parameters"`
}

// Values binds every parameter of the message to its logical resource.
func (m Message) Values() []Value {
	values := make([]Value, 0, len(m.Parameters))
	for _, p := range m.Parameters {
		values = append(values, Value{
			ResourceType:      m.ResourceType,
			LogicalID:         m.LogicalID,
			LogicalResourceID: m.LogicalResourceID,
			Parameter:         p,
		})
	}
	return values
}

// Validate checks the envelope and every parameter.
func (m Message) Validate() error {
	if !ValidResourceType(m.ResourceType) {
		return fmt.Errorf("invalid resource type %q", m.ResourceType)
	}
	if m.LogicalID == "" {
		return errors.New("message has no logical id")
	}
	if m.LogicalResourceID <= 0 {
		return fmt.Errorf("%s/%s: logical resource id must be positive", m.ResourceType, m.LogicalID)
	}
	for _, v := range m.Values() {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		RequestShard:      m.RequestShard,
		ResourceType:      m.ResourceType,
		LogicalID:         m.LogicalID,
		LogicalResourceID: m.LogicalResourceID,
		VersionID:         m.VersionID,
		Parameters:        make([]json.RawMessage, 0, len(m.Parameters)),
	}
	for _, p := range m.Parameters {
		raw, err := MarshalParameter(p)
		if err != nil {
			return nil, err
		}
		out.Parameters = append(out.Parameters, raw)
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	params := make([]Parameter, 0, len(in.Parameters))
	for i, raw := range in.Parameters {
		p, err := UnmarshalParameter(raw)
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		params = append(params, p)
	}
	*m = Message{
		RequestShard:      in.RequestShard,
		ResourceType:      in.ResourceType,
		LogicalID:         in.LogicalID,
		LogicalResourceID: in.LogicalResourceID,
		VersionID:         in.VersionID,
		Parameters:        params,
	}
	return nil
}

// MarshalParameter encodes a parameter with its kind discriminator.
func MarshalParameter(p Parameter) (json.RawMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s parameter: %w", p.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["kind"], _ = json.Marshal(p.Kind())
	return json.Marshal(fields)
}

// UnmarshalParameter decodes a parameter, selecting the variant by its kind
// field.
func UnmarshalParameter(data []byte) (Parameter, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var p Parameter
	var err error
	switch head.Kind {
	case KindString:
		var v StringParameter
		err = json.Unmarshal(data, &v)
		p = v
	case KindNumber:
		var v NumberParameter
		err = json.Unmarshal(data, &v)
		p = v
	case KindDate:
		var v DateParameter
		err = json.Unmarshal(data, &v)
		p = v
	case KindToken:
		var v TokenParameter
		err = json.Unmarshal(data, &v)
		p = v
	case KindQuantity:
		var v QuantityParameter
		err = json.Unmarshal(data, &v)
		p = v
	case KindLocation:
		var v LocationParameter
		err = json.Unmarshal(data, &v)
		p = v
	case KindProfile:
		var v ProfileParameter
		err = json.Unmarshal(data, &v)
		p = v
	case KindTag:
		var v TagParameter
		err = json.Unmarshal(data, &v)
		p = v
	case KindSecurity:
		var v SecurityParameter
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown parameter kind %q", head.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s parameter: %w", head.Kind, err)
	}
	return p, nil
}

// DecodeMessages reads newline-delimited JSON messages from r and sends them
// on the returned channel. The error channel receives at most one error and
// both channels are closed when r is exhausted or ctx is done.
func DecodeMessages(ctx context.Context, r io.Reader) (<-chan Message, <-chan error) {
	out := make(chan Message)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			b := sc.Bytes()
			if len(b) == 0 {
				continue
			}
			var m Message
			if err := json.Unmarshal(b, &m); err != nil {
				errc <- fmt.Errorf("line %d: %w", line, err)
				return
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			errc <- fmt.Errorf("read messages: %w", err)
		}
	}()
	return out, errc
}
