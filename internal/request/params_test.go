package request_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/chinmina/aliexpress-bridge/internal/request"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	currency string
	pageSize int
	enabled  bool
	weight   float32
	quantity uint8
)

func TestStringify(t *testing.T) {
	cases := []struct {
		name     string
		value    any
		expected string
	}{
		{"string", "abc", "abc"},
		{"empty string", "", ""},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"int", 42, "42"},
		{"negative int64", int64(-7), "-7"},
		{"uint", uint16(9), "9"},
		{"float", 1.5, "1.5"},
		{"whole float", float64(3), "3"},
		{"json number", json.Number("12.50"), "12.50"},
		{"map", map[string]string{"k": "v"}, `{"k":"v"}`},
		{"slice", []int{1, 2}, `[1,2]`},
		{"struct", struct {
			ID string `json:"id"`
		}{ID: "x"}, `{"id":"x"}`},
		{"raw json", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"named string", currency("USD"), "USD"},
		{"named int", pageSize(20), "20"},
		{"named bool", enabled(true), "true"},
		{"named float", weight(0.25), "0.25"},
		{"named uint", quantity(3), "3"},
		{"html characters kept", map[string]string{"q": "a<b>&c"}, `{"q":"a<b>&c"}`},
		{"nested named string", map[string]currency{"c": "AUD"}, `{"c":"AUD"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actual, err := request.Stringify(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestStringify_UnmarshallableValue(t *testing.T) {
	_, err := request.Stringify(map[string]any{"f": math.Inf(1)})
	require.Error(t, err)

	_, err = request.Stringify(make(chan int))
	require.Error(t, err)
}

func TestStringifyAll(t *testing.T) {
	set, err := request.StringifyAll(map[string]any{
		"a":       true,
		"b":       42,
		"c":       map[string]string{"k": "v"},
		"missing": nil,
	})
	require.NoError(t, err)

	assert.Equal(t, request.ParamSet{
		"a": "true",
		"b": "42",
		"c": `{"k":"v"}`,
	}, set)
}

func TestStringifyAll_ErrorNamesParameter(t *testing.T) {
	_, err := request.StringifyAll(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)
}

func TestMarshalJSON(t *testing.T) {
	actual, err := request.MarshalJSON([]string{"<tag>", "fish & chips"})
	require.NoError(t, err)
	assert.Equal(t, `["<tag>","fish & chips"]`, actual)
}
