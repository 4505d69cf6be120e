package canonicalize

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	b, err := JCS(map[string]any{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": []any{map[string]any{"k2": 2, "k1": 1}},
	}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"k1":1,"k2":2}],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	b, err := JCS(map[string]string{"html": "<script>alert('xss')</script> &"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_NumberFormatting(t *testing.T) {
	b, err := JCS(map[string]any{"whole": 10.0, "frac": 6.95, "num": json.Number("123.456")})
	require.NoError(t, err)
	assert.Equal(t, `{"frac":6.95,"num":123.456,"whole":10}`, string(b))
}

func TestJCS_RejectsNaN(t *testing.T) {
	_, err := JCS(map[string]float64{"x": math.NaN()})
	require.Error(t, err)

	_, err = JCS(struct{ V float64 }{V: math.Inf(1)})
	require.Error(t, err)
}

func TestCanonicalHash_StructAndMapAgree(t *testing.T) {
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	h1, err := CanonicalHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(S{A: 1, B: 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHash_LowercaseHex(t *testing.T) {
	// SHA-256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Hash([]byte("abc")))
	assert.Equal(t, Hash([]byte("ab"+"c")), HashConcat("ab", "c"))
}

func TestCanonicalizeWith_UnsupportedMethod(t *testing.T) {
	_, err := CanonicalizeWith(map[string]int{"a": 1}, Method("URDNA2015"))
	require.ErrorIs(t, err, ErrUnsupportedMethod)

	b, err := CanonicalizeWith(map[string]int{"a": 1}, MethodJCS)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b))
}

func TestJCSString_MatchesBytes(t *testing.T) {
	s, err := JCSString(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, s)
}

// Deep-equal inputs built in different insertion orders canonicalize identically.
func TestCanonicalize_OrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order does not change canonical bytes", prop.ForAll(
		func(keys []string, values []int) bool {
			forward := make(map[string]any)
			backward := make(map[string]any)
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = map[string]any{"v": values[i], "k": keys[i]}
			}
			for i := n - 1; i >= 0; i-- {
				if _, seen := backward[keys[i]]; seen {
					continue
				}
				backward[keys[i]] = forward[keys[i]]
			}

			a, errA := Canonicalize(forward)
			b, errB := Canonicalize(backward)
			if errA != nil || errB != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}

func TestNormalizeText(t *testing.T) {
	in := "  “Hello”\r\n\tworld —  it’s\x07 fine  \r\n"
	assert.Equal(t, "\"Hello\"\nworld - it's fine", NormalizeText(in))

	// NFD e + combining acute composes to NFC é
	assert.Equal(t, "caf\u00e9", NormalizeText("cafe\u0301"))
}

func TestContentHash_NormalizesStrings(t *testing.T) {
	h1, err := ContentHash("hello   world")
	require.NoError(t, err)
	h2, err := ContentHash(" hello world ")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := ContentHash(map[string]string{"role": "user"})
	require.NoError(t, err)
	assert.Len(t, h3, 64)
}
