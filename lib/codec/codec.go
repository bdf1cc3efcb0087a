// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the engine's CBOR encoding: Core Deterministic
// Encoding (RFC 8949 §4.2) so the same logical value always produces
// identical bytes. It is used for durable ledgers, the replay ledger
// snapshot in particular, where byte-stable round trips keep
// persistence diffs and change detection cheap.
//
// Wire formats fixed by the grant-token and offline-cache protocols are
// JSON and are not handled here.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Any-typed decode targets get map[string]any instead of the
		// CBOR default map[any]any; the engine never uses non-string
		// map keys and map[string]any interoperates with JSON code.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
