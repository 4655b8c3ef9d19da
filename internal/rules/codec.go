package rules

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// FileExt is the extension of persisted rule files.
const FileExt = ".yaml"

// Marshal renders a rule in its persisted YAML form.
func Marshal(r Rule) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode rule %s: %w", r.ID, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a persisted rule. Unknown fields are rejected.
func Unmarshal(data []byte) (Rule, error) {
	var r Rule
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Rule{}, fmt.Errorf("failed to decode rule: %w", err)
	}
	return r, nil
}

// ContentHash is the BLAKE3 digest of a persisted rule file.
func ContentHash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

var keyMode cbor.EncMode

func init() {
	var err error
	keyMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("rules: cbor key mode: %v", err))
	}
}

// structuralKey is a canonical encoding used to compare conditions and
// actions by value.
func structuralKey(v interface{}) string {
	b, err := keyMode.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// DiffConditions compares two condition lists as multisets: missing counts
// existing elements absent from proposed, extra counts the reverse.
func DiffConditions(existing, proposed []Condition) (missing, extra int) {
	return multisetDiff(keys(existing), keys(proposed))
}

// DiffActions is DiffConditions for actions.
func DiffActions(existing, proposed []Action) (missing, extra int) {
	return multisetDiff(keys(existing), keys(proposed))
}

func keys[T any](items []T) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = structuralKey(items[i])
	}
	return out
}

func multisetDiff(existing, proposed []string) (missing, extra int) {
	counts := make(map[string]int, len(existing))
	for _, k := range existing {
		counts[k]++
	}
	for _, k := range proposed {
		if counts[k] > 0 {
			counts[k]--
			continue
		}
		extra++
	}
	for _, n := range counts {
		missing += n
	}
	return missing, extra
}
