// Package wire is the boundary to the object-serialization façade that
// spec.md §1 places out of scope: the core only ever talks to a Serializer
// interface, never to a concrete codec. NewJSON is the reference
// implementation, used by the demo's counting object.
package wire

import "encoding/json"

// Serializer matches the collaborator contract in spec.md §6: to_bytes,
// from_bytes, bytes_size.
type Serializer interface {
	// ToBytes serializes obj into buf, returning the number of bytes
	// written. buf is guaranteed to be at least BytesSize(obj) long.
	ToBytes(obj interface{}, buf []byte) (int, error)

	// FromBytes deserializes buf. For a nil or map[string]interface{}
	// sample it returns a new map; any other sample is decoded into in
	// place and returned.
	FromBytes(buf []byte, sample interface{}) (interface{}, error)

	// BytesSize reports how many bytes ToBytes will need for obj.
	BytesSize(obj interface{}) (int, error)
}

type jsonSerializer struct{}

// NewJSON returns a Serializer backed by encoding/json. Replicated-object
// state in this codebase is always plain data (maps, structs of
// marshalable fields), so JSON's self-describing framing is adequate; a
// production deployment with a fixed wire format would swap this for a
// binary codec behind the same interface.
func NewJSON() Serializer {
	return jsonSerializer{}
}

func (jsonSerializer) ToBytes(obj interface{}, buf []byte) (int, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return 0, err
	}
	n := copy(buf, data)
	return n, nil
}

func (jsonSerializer) FromBytes(buf []byte, sample interface{}) (interface{}, error) {
	switch sample.(type) {
	case map[string]interface{}, nil:
		var v map[string]interface{}
		if err := json.Unmarshal(buf, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		if err := json.Unmarshal(buf, sample); err != nil {
			return nil, err
		}
		return sample, nil
	}
}

func (jsonSerializer) BytesSize(obj interface{}) (int, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
