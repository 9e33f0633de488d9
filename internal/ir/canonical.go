package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// maxDepth bounds nesting of canonicalized values. Anything deeper is treated
// as a cycle that escaped pointer tracking.
const maxDepth = 256

// maxSafeInteger is the largest integer every JSON consumer reads exactly.
// Integers beyond ±maxSafeInteger would be rounded to a neighbour and share
// its canonical form, so they are rejected.
const maxSafeInteger = 1<<53 - 1

// unsafeKeys could remap the prototype or constructor of a structure rebuilt
// from canonical JSON by a JavaScript consumer of the same records.
var unsafeKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// CanonicalizationError reports input that cannot be given a reproducible
// canonical form. Callers must not ignore it.
type CanonicalizationError struct {
	// Path locates the offending value, e.g. "$.payload.items[2]".
	Path string

	// Reason is a human-readable description.
	Reason string

	// Err is the underlying encoder error, if any.
	Err error
}

// Error implements the error interface.
func (e *CanonicalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canonicalize %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("canonicalize %s: %s", e.Path, e.Reason)
}

// Unwrap returns the underlying error.
func (e *CanonicalizationError) Unwrap() error {
	return e.Err
}

// IsCanonicalizationError returns true if err wraps a CanonicalizationError.
func IsCanonicalizationError(err error) bool {
	var ce *CanonicalizationError
	return errors.As(err, &ce)
}

// Canonicalize produces the CanonicalForm of v: RFC 8785 JSON with keys sorted,
// strings NFC normalized and no insignificant whitespace. Two structurally
// equal values always produce identical bytes regardless of construction order.
//
// Accepted input: nil, bool, string, integer and finite float kinds, json.Number,
// json.RawMessage, time.Time (encoded as RFC 3339 UTC), map[string]any, []any, and
// any value encoding/json can marshal (structs honour their json tags, so
// omitempty fields that are empty are omitted).
//
// Rejected input: NaN/Inf, channels, functions, cyclic structures, and mapping
// keys in the unsafe set (__proto__, constructor, prototype).
func Canonicalize(v any) ([]byte, error) {
	w := &walker{seen: make(map[uintptr]bool)}
	tree, err := w.normalize(v, "$", 0)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, &CanonicalizationError{Path: "$", Reason: "encode normalized value", Err: err}
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, &CanonicalizationError{Path: "$", Reason: "rfc 8785 transform", Err: err}
	}
	return out, nil
}

// DeterministicID returns the hex SHA-256 of Canonicalize(v).
func DeterministicID(v any) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MustDeterministicID is like DeterministicID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDeterministicID(v any) string {
	id, err := DeterministicID(v)
	if err != nil {
		panic(err)
	}
	return id
}

// walker converts arbitrary Go values into a tree of JSON-native values
// (nil, bool, string, json.Number, []any, map[string]any).
type walker struct {
	// seen holds the maps and slices on the current path, for cycle detection.
	seen map[uintptr]bool
}

func (w *walker) normalize(v any, path string, depth int) (any, error) {
	if depth > maxDepth {
		return nil, &CanonicalizationError{Path: path, Reason: "nesting too deep (cyclic value?)"}
	}

	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return norm.NFC.String(val), nil
	case json.Number:
		return w.number(val, path)
	case int:
		return w.integer(int64(val), path)
	case int64:
		return w.integer(val, path)
	case int32:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case uint:
		return w.unsigned(uint64(val), path)
	case uint64:
		return w.unsigned(val, path)
	case float32:
		return w.float(float64(val), path)
	case float64:
		return w.float(val, path)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case json.RawMessage:
		return w.decodeJSON(val, path, depth)
	case map[string]any:
		return w.object(val, path, depth)
	case []any:
		return w.array(val, path, depth)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, &CanonicalizationError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}

	// Everything else goes through encoding/json so struct tags are honoured,
	// then back through the walker for key checks and normalization.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &CanonicalizationError{Path: path, Reason: fmt.Sprintf("value of type %T is not serializable", v), Err: err}
	}
	return w.decodeJSON(data, path, depth)
}

func (w *walker) decodeJSON(data []byte, path string, depth int) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &CanonicalizationError{Path: path, Reason: "invalid JSON", Err: err}
	}
	return w.normalize(generic, path, depth)
}

func (w *walker) integer(i int64, path string) (any, error) {
	if i > maxSafeInteger || i < -maxSafeInteger {
		return nil, unsafeInteger(strconv.FormatInt(i, 10), path)
	}
	return json.Number(strconv.FormatInt(i, 10)), nil
}

func (w *walker) unsigned(u uint64, path string) (any, error) {
	if u > maxSafeInteger {
		return nil, unsafeInteger(strconv.FormatUint(u, 10), path)
	}
	return json.Number(strconv.FormatUint(u, 10)), nil
}

func unsafeInteger(lit, path string) error {
	return &CanonicalizationError{Path: path, Reason: "integer " + lit + " exceeds 2^53-1 and cannot be represented exactly"}
}

func (w *walker) number(n json.Number, path string) (any, error) {
	lit := n.String()
	if !strings.ContainsAny(lit, ".eE") {
		i, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return nil, unsafeInteger(lit, path)
			}
			return nil, &CanonicalizationError{Path: path, Reason: "invalid number " + lit, Err: err}
		}
		return w.integer(i, path)
	}
	f, err := n.Float64()
	if err != nil {
		return nil, &CanonicalizationError{Path: path, Reason: "invalid number " + n.String(), Err: err}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &CanonicalizationError{Path: path, Reason: "non-finite number"}
	}
	return n, nil
}

func (w *walker) float(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &CanonicalizationError{Path: path, Reason: "non-finite number"}
	}
	return f, nil
}

func (w *walker) object(m map[string]any, path string, depth int) (any, error) {
	ptr := reflect.ValueOf(m).Pointer()
	if ptr != 0 {
		if w.seen[ptr] {
			return nil, &CanonicalizationError{Path: path, Reason: "cyclic value"}
		}
		w.seen[ptr] = true
		defer delete(w.seen, ptr)
	}

	out := make(map[string]any, len(m))
	for k, elem := range m {
		if unsafeKeys[k] {
			return nil, &CanonicalizationError{Path: path, Reason: fmt.Sprintf("unsafe key %q", k)}
		}
		key := norm.NFC.String(k)
		if _, dup := out[key]; dup {
			return nil, &CanonicalizationError{Path: path, Reason: fmt.Sprintf("keys collide after NFC normalization: %q", key)}
		}
		child, err := w.normalize(elem, childPath(path, k), depth+1)
		if err != nil {
			return nil, err
		}
		out[key] = child
	}
	return out, nil
}

func (w *walker) array(arr []any, path string, depth int) (any, error) {
	if len(arr) > 0 {
		ptr := reflect.ValueOf(arr).Pointer()
		if w.seen[ptr] {
			return nil, &CanonicalizationError{Path: path, Reason: "cyclic value"}
		}
		w.seen[ptr] = true
		defer delete(w.seen, ptr)
	}

	out := make([]any, len(arr))
	for i, elem := range arr {
		child, err := w.normalize(elem, fmt.Sprintf("%s[%d]", path, i), depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = child
	}
	return out, nil
}

func childPath(parent, key string) string {
	if key == "" || strings.ContainsAny(key, ".[]\"") {
		return fmt.Sprintf("%s[%q]", parent, key)
	}
	return parent + "." + key
}
