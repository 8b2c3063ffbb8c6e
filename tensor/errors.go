// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package tensor

import "fmt"

// ShapeError reports a runtime tensor shape violation at a public
// contract boundary. It is fatal for the current batch; the caller may
// recover by skipping the batch. Internal layer code panics instead:
// a shape mismatch inside a wired-up network is a programmer error.
type ShapeError struct {
	Op   string // operation that rejected the input
	Want string // expected shape or constraint
	Got  string // what was actually received
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %s, got %s", e.Op, e.Want, e.Got)
}
