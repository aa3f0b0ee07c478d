// Package cborcodec adapts github.com/fxamacker/cbor/v2 to the canonical
// CBOR contract CTAP2 requires: map entries are emitted in the encoding
// struct's declared field order, never resorted.
//
// This matters because cbor.CanonicalEncOptions() implements RFC 7049's
// canonical map-key sort (shortest encoding first, then lexicographic),
// which happens to coincide with declaration order for the small ascending
// integer keys AuthenticatorInfo and the *Parameters records use, but
// diverges for AttestationObject: its required order is fmt, authData,
// attStmt, while RFC 7049 sort would put attStmt (one byte shorter than
// authData, and also 't' < 'u' at the third byte) before authData. Declaration order is therefore
// the encoding mode actually compatible with peer CTAP2 parsers, so this
// package builds its EncMode with the default (unsorted) map-key order and
// relies on Go struct field order to express the wire order.
package cborcodec

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode     cbor.EncMode
	encModeOnce sync.Once
)

func mode() cbor.EncMode {
	encModeOnce.Do(func() {
		opts := cbor.EncOptions{
			Sort:          cbor.SortNone,
			ShortestFloat: cbor.ShortestFloatNone,
		}
		m, err := opts.EncMode()
		if err != nil {
			panic(fmt.Sprintf("cborcodec: build encode mode: %v", err))
		}
		encMode = m
	})
	return encMode
}

// Marshal encodes v as canonical CTAP2 CBOR: declared struct field order is
// preserved, and optional fields tagged `omitempty` are skipped when zero.
func Marshal(v interface{}) ([]byte, error) {
	out, err := mode().Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cborcodec: marshal: %w", err)
	}
	return out, nil
}

// Unmarshal decodes CTAP2 CBOR into v. It tolerates both packed
// (bare-integer-key) and non-packed encodings of the same record, which is
// simply what fxamacker/cbor does for `keyasint`-tagged struct fields.
func Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cborcodec: unmarshal: %w", err)
	}
	return nil
}
