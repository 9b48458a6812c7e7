package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
)

// Reserved parameter names shared by every signed call.
const (
	ParamAppKey      = "app_key"
	ParamAccessToken = "access_token"
	ParamSignMethod  = "sign_method"
	ParamMethod      = "method"
	ParamTimestamp   = "timestamp"
	ParamSign        = "sign"
)

// ParamSet is the flat, string-valued parameter set that is signed and sent.
// Keys are unique; ParamSign is only ever added after signing.
type ParamSet map[string]string

// Clone returns an independent copy of the set.
func (p ParamSet) Clone() ParamSet {
	return maps.Clone(p)
}

// Stringify converts a business parameter to the exact string the provider
// expects in the request and in the signature. Strings pass through; numbers
// and booleans use their literal form; structured values (maps, slices,
// structs) become compact JSON.
func Stringify(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(val).Int(), 10), nil
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(val).Uint(), 10), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case json.Number:
		return val.String(), nil
	case json.RawMessage:
		return string(val), nil
	}

	// named scalar types take their underlying literal form
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), nil
	}

	return MarshalJSON(v)
}

// MarshalJSON encodes v as compact JSON without HTML escaping, so that "<",
// ">" and "&" are sent as written.
func MarshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// StringifyAll converts a business parameter map into a ParamSet. Nil values
// are dropped so that optional parameters can be left unset.
func StringifyAll(params map[string]any) (ParamSet, error) {
	out := make(ParamSet, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		s, err := Stringify(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q could not be converted to a string: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}
