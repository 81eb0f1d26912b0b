// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package selfcheck

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Mismatch describes the first captured value that differs from its
// prediction.
type Mismatch struct {
	Kind     Kind
	Coord    Coord
	Expected int64
	Actual   int64

	where string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("selfcheck: %v data mismatch at %s: expected=%d, actual=%d",
		m.Kind, m.where, m.Expected, m.Actual,
	)
}

func (m *Mismatch) Unwrap() error { return ErrMismatch }

// Check compares, value by value, a captured dataset against the output
// of the signal chain fed by the pattern generator configured with p.
// It returns a *Mismatch for the first differing value.
func Check(p Pattern, g Geometry, ds *Dataset) error {
	return check(context.Background(), p, g, ds)
}

func check(ctx context.Context, p Pattern, g Geometry, ds *Dataset) error {
	err := p.validate()
	if err != nil {
		return err
	}
	err = g.validate()
	if err != nil {
		return err
	}
	err = ds.validate()
	if err != nil {
		return err
	}

	const stride = 1 << 12
	return ds.walk(func(i int, c Coord) error {
		if i%stride == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		want := Predict(p, g, ds.Kind, c)
		if got := ds.Data[i]; got != want {
			return &Mismatch{
				Kind:     ds.Kind,
				Coord:    c,
				Expected: want,
				Actual:   got,
				where:    ds.format(c),
			}
		}
		return nil
	})
}

// CheckAll checks each dataset concurrently and returns the first error.
// Remaining checks are abandoned once one fails.
func CheckAll(ctx context.Context, p Pattern, g Geometry, dss ...*Dataset) error {
	grp, ctx := errgroup.WithContext(ctx)
	for i := range dss {
		ds := dss[i]
		grp.Go(func() error {
			err := check(ctx, p, g, ds)
			if err != nil {
				return fmt.Errorf("selfcheck: %v dataset %d: %w", ds.Kind, i, err)
			}
			return nil
		})
	}
	return grp.Wait()
}
