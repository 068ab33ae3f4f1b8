// Package msgkit provides small helpers for building notification payloads:
// HTML-safe text composition and rune-aware truncation.
//
// All delivery channels in this repo (email, push, telegram) accept a limited
// HTML subset, so renderers share these helpers instead of escaping ad hoc.
package msgkit
