// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests for trust receipts and policy documents.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/gowebpki/jcs"
)

// Method names a canonicalization algorithm.
type Method string

// MethodJCS is RFC 8785. It is the only supported method.
const MethodJCS Method = "JCS"

// ErrUnsupportedMethod is returned when a caller asks for a canonicalization
// method other than MethodJCS.
var ErrUnsupportedMethod = errors.New("canonicalize: unsupported method")

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags are honoured, then
// transformed: object keys sorted at every level, no insignificant whitespace,
// ECMAScript number formatting, no HTML escaping.
func JCS(v any) ([]byte, error) {
	if hasNaNOrInf(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("jcs: value contains NaN or Infinity")
	}

	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// Canonicalize is JCS under its domain name.
func Canonicalize(v any) ([]byte, error) {
	return JCS(v)
}

// CanonicalizeWith canonicalizes v with the named method. Any method other
// than MethodJCS fails with ErrUnsupportedMethod.
func CanonicalizeWith(v any, method Method) ([]byte, error) {
	if method != MethodJCS {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	return JCS(v)
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// Hash computes the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashConcat hashes the concatenation of parts without separators.
func HashConcat(parts ...string) string {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.WriteString(p)
	}
	return Hash(buf.Bytes())
}

// JCSString returns the JCS canonical form as a string
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

//nolint:gocognit // complexity acceptable
func hasNaNOrInf(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if hasNaNOrInf(iter.Value()) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if hasNaNOrInf(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if hasNaNOrInf(v.Field(i)) {
				return true
			}
		}
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			return hasNaNOrInf(v.Elem())
		}
	}
	return false
}
