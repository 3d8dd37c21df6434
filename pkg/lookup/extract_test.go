package lookup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelimitedStrategy(t *testing.T) {
	tests := []struct {
		line string
		want []Pair
	}{
		{"user_42,5551234", []Pair{{"user_42", "5551234"}}},
		{`"user_42",5551234`, []Pair{{"user_42", "5551234"}}},
		{"alice: +1 555 0100", []Pair{{"alice", "+1 555 0100"}}},
		{"bob|777", []Pair{{"bob", "777"}}},
		{"carol\t888", []Pair{{"carol", "888"}}},
		{"dave 999", []Pair{{"dave", "999"}}},
		{"lonely", nil},
		{",,,", nil},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := DelimitedStrategy(tt.line)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != nil, ok)
		})
	}
}

func TestStructuredStrategy_Object(t *testing.T) {
	got, ok := StructuredStrategy(`{"b": 2, "a": "x", "empty": ""}`)
	assert.True(t, ok)
	assert.Equal(t, []Pair{{"a", "x"}, {"b", "2"}}, got)
}

func TestStructuredStrategy_Array(t *testing.T) {
	got, ok := StructuredStrategy(`[{"id": "u1", "phone": "111"}, {"username": "u2", "number": 222}, {"id": "u3"}, 5]`)
	assert.True(t, ok)
	assert.Equal(t, []Pair{{"u1", "111"}, {"u2", "222"}}, got)
}

func TestStructuredStrategy_NotJSON(t *testing.T) {
	for _, line := range []string{"user,1", "{broken", `{"a":1} trailing`} {
		got, ok := StructuredStrategy(line)
		assert.False(t, ok, line)
		assert.Nil(t, got, line)
	}
}

func TestStructuredStrategy_ClaimsEmptyDocuments(t *testing.T) {
	for _, line := range []string{`{"user_1":""}`, `{"a":null,"b":null}`, `[{"foo":1}]`, `{}`, `[]`} {
		got, ok := StructuredStrategy(line)
		assert.True(t, ok, line)
		assert.Empty(t, got, line)
	}
}

func TestExtractor_EmptyJSONIsSkippedNotSplit(t *testing.T) {
	x := NewIndex()
	ex := NewExtractor(x)

	st := ex.Extract("{\"user_1\":\"\"}\n[{\"foo\":1}]\n{\"a\":null,\"b\":null}\nk,v\n")
	assert.Equal(t, 4, st.Lines)
	assert.Equal(t, 1, st.Inserted)
	assert.Equal(t, 3, st.Skipped)
	assert.Equal(t, 1, x.Len())

	assert.Empty(t, ex.ExtractLine(`{"user_1":""}`))
	assert.Empty(t, ex.ExtractLine(`[{"foo":1}]`))
}

func TestExtractor_FallsBackToDelimited(t *testing.T) {
	x := NewIndex()
	ex := NewExtractor(x)

	st := ex.Extract("\ufeff{\"k1\":\"v1\"}\n{not json, really}\nk3,v3\n\n   \nnoseparator\n")
	assert.Equal(t, 4, st.Lines)
	assert.Equal(t, 3, st.Inserted)
	assert.Equal(t, 1, st.Skipped)

	v, ok := x.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	v, ok = x.Get("{not json")
	require.True(t, ok)
	assert.Equal(t, "really}", v)

	v, ok = x.Get("k3")
	require.True(t, ok)
	assert.Equal(t, "v3", v)
}

func TestExtractor_CustomStrategies(t *testing.T) {
	x := NewIndex()
	upper := func(line string) ([]Pair, bool) { return []Pair{{Key: line, Value: "seen"}}, true }
	ex := NewExtractor(x, upper)

	st := ex.Extract("a,b")
	assert.Equal(t, 1, st.Inserted)
	v, _ := x.Get("a,b")
	assert.Equal(t, "seen", v)
}

func TestExtractor_SinkErrorsCountAsSkipped(t *testing.T) {
	x := NewIndex()
	x.Freeze()
	st := NewExtractor(x).Extract("a,1\nb,2")
	assert.Equal(t, 0, st.Inserted)
	assert.Equal(t, 2, st.Skipped)
}
