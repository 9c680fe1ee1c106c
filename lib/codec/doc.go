// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides meshd's shared CBOR encoding configuration.
//
// meshd keeps a clear boundary between its two serialization formats:
//
//   - YAML for the human-edited configuration files: the bootstrap
//     config (internal/config) and the per-net host file (cmd/meshd).
//   - CBOR for on-disk state that only meshd itself reads back: the
//     crash-restart watchdog file (lib/watchdog).
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which matters for the watchdog file's fsync-then-rename
// durability scheme — a partially written file is never mistaken for a
// valid one with different contents.
//
// For buffer-oriented operations (files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations, if ever needed:
//
//	encoder := codec.NewEncoder(writer)
//	decoder := codec.NewDecoder(reader)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It never
//     reaches JSON or CLI output. Example: the watchdog State struct.
//   - `json` tag: this type may also be serialized as JSON.
//     fxamacker/cbor v2 reads `json` tags as fallback
//     when `cbor` tags are absent, so a single `json` tag controls field
//     naming and omitempty for both formats if a type ever needs both.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
