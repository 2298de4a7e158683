package sqlite

import "encoding/json"

// marshalJSON encodes a map for a TEXT column, keeping nil maps as NULL.
func marshalJSON[M ~map[string]V, V any](m M) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// unmarshalJSON decodes a TEXT column, treating NULL and empty as absent.
func unmarshalJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
