package mesh

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Canonicalize re-serialises raw JSON into its canonical form: object keys
// sorted, no insignificant whitespace, numeric literals preserved. Signed
// byte strings and chain hashes are computed over this form so that every
// node derives identical bytes regardless of field order at the sender.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "could not parse payload for canonicalisation")
	}
	// encoding/json sorts map keys and emits compact output.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "could not canonicalise payload")
	}
	return out, nil
}

// MustCanonicalMarshal marshals a struct and canonicalises it. Intended for
// payloads the node itself constructs; panics only on unmarshalable types,
// which is a programming error.
func MustCanonicalMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	canon, err := Canonicalize(raw)
	if err != nil {
		panic(err)
	}
	return canon
}
