package gguf

import "fmt"

// Uint returns an unsigned integer KV, accepting any integer width.
func (f *GGUFFile) Uint(key string) (uint64, error) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case int32:
		if v >= 0 {
			return uint64(v), nil
		}
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	case nil:
		return 0, fmt.Errorf("missing key %s", key)
	}
	return 0, fmt.Errorf("key %s: %T is not an unsigned integer", key, f.KV[key])
}

// Bool returns a boolean KV; a missing key is false.
func (f *GGUFFile) Bool(key string) (bool, error) {
	switch v := f.KV[key].(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("key %s: %T is not a bool", key, f.KV[key])
}

func (f *GGUFFile) String(key string) (string, error) {
	switch v := f.KV[key].(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("missing key %s", key)
	}
	return "", fmt.Errorf("key %s: %T is not a string", key, f.KV[key])
}

func (f *GGUFFile) Float(key string) (float64, error) {
	switch v := f.KV[key].(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case nil:
		return 0, fmt.Errorf("missing key %s", key)
	}
	return 0, fmt.Errorf("key %s: %T is not a float", key, f.KV[key])
}

// Strings returns a string-array KV such as tokenizer.ggml.tokens.
func (f *GGUFFile) Strings(key string) ([]string, error) {
	val, ok := f.KV[key]
	if !ok {
		return nil, fmt.Errorf("%s not found in GGUF", key)
	}
	arr, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid type for %s", key)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not a string", key, i)
		}
		out[i] = s
	}
	return out, nil
}
