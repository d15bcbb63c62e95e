package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"validation-backend/internal/core/types"
)

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Numbers are rewritten in a single form per value,
// so 1.5 and 1.50 or 100 and 1e2 canonicalize the same. No precision is lost.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidPayload, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after top-level value", types.ErrInvalidPayload)
	}

	canonical, err := json.Marshal(normalizeNumbers(value))
	if err != nil {
		return nil, fmt.Errorf("error encoding canonical payload: %w", err)
	}
	return canonical, nil
}

func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalizeNumbers(item)
		}
		return v
	case json.Number:
		return canonicalNumber(v)
	default:
		return v
	}
}

// canonicalNumber rewrites a JSON number literal as digits * 10^exp with no
// leading or trailing zeros in the digits, then formats it. Integers up to 21
// digits and decimals down to 1e-6 are written plainly, the rest in exponent
// form.
func canonicalNumber(n json.Number) json.Number {
	literal := string(n)
	negative := strings.HasPrefix(literal, "-")
	literal = strings.TrimPrefix(literal, "-")

	exp := 0
	if i := strings.IndexAny(literal, "eE"); i >= 0 {
		e, err := strconv.Atoi(strings.TrimPrefix(literal[i+1:], "+"))
		if err != nil {
			return n
		}
		exp = e
		literal = literal[:i]
	}

	digits := literal
	if i := strings.IndexByte(literal, '.'); i >= 0 {
		digits = literal[:i] + literal[i+1:]
		exp -= len(literal) - i - 1
	}

	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return "0"
	}
	trimmed := strings.TrimRight(digits, "0")
	exp += len(digits) - len(trimmed)
	digits = trimmed

	// point is the position of the decimal point relative to the digits.
	point := len(digits) + exp

	var out string
	switch {
	case exp >= 0 && point <= 21:
		out = digits + strings.Repeat("0", exp)
	case exp < 0 && point > 0:
		out = digits[:point] + "." + digits[point:]
	case exp < 0 && point > -6:
		out = "0." + strings.Repeat("0", -point) + digits
	default:
		out = digits[:1]
		if len(digits) > 1 {
			out += "." + digits[1:]
		}
		out += "e" + strconv.Itoa(point-1)
	}

	if negative {
		out = "-" + out
	}
	return json.Number(out)
}

// Fingerprint is the cache key of a request: sha256 over the task class and the
// canonical payload, hex encoded.
func Fingerprint(class types.TaskClass, payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	hasher.Write([]byte(class))
	hasher.Write([]byte{0})
	hasher.Write(canonical)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
