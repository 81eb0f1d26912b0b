// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package selfcheck verifies data captured from a TPM against the output
// the signal chain is expected to produce when fed by its pattern
// generator.
//
// Predictions reproduce the fixed-point arithmetic of the firmware:
// truncation to the storage width of each kind of data, sign extension of
// saturated samples and rounded power integration.
package selfcheck // import "github.com/go-lpc/tpm/selfcheck"
