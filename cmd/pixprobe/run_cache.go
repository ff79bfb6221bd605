// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tilegraph/core/config"
	"github.com/tilegraph/core/logging"
	"github.com/tilegraph/core/opcache"
)

// resizeOp is a synthetic Operation standing in for a real resize
// kernel: its only hashable input is the target width, its only
// output is a freshly boxed result string, and Build just records
// that it ran so runCache can show whether a given call actually
// rebuilt or reused a cached entry.
type resizeOp struct {
	width  int64
	result *string
	built  bool
}

func (r *resizeOp) Inputs() []opcache.Arg {
	return []opcache.Arg{
		{Name: "width", Value: opcache.IntValue(r.width), Hashable: true, Required: true, Assigned: true},
	}
}

func (r *resizeOp) Outputs() []opcache.Arg {
	return []opcache.Arg{
		{Name: "result", Value: opcache.ObjValue(r.result), Assigned: true},
	}
}

func (r *resizeOp) Build() error {
	r.built = true
	s := fmt.Sprintf("resized-to-%d", r.width)
	r.result = &s
	return nil
}

func (r *resizeOp) Flags() opcache.OpFlags { return 0 }

func (r *resizeOp) OnInvalidate(fn func()) func() { return func() {} }

func runCache(args []string) {
	cacheCmd := flag.NewFlagSet("cache", flag.ExitOnError)
	trace := cacheCmd.Bool("trace", false, "enable cache trace logging (VIPS_TRACE)")
	if cacheCmd.Parse(args) != nil {
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pixprobe: loading config: %s\n", err)
		os.Exit(1)
	}
	if *trace {
		cfg.Trace = true
	}

	c := opcache.New()
	cfg.Apply(c)
	if *trace {
		c.SetLogger(logging.FromSlog(slog.Default(), slog.LevelInfo))
	}

	ctx := context.Background()
	requests := []int64{100, 100, 200, 100}
	for _, w := range requests {
		op := &resizeOp{width: w}
		got, err := c.BuildOrReuse(ctx, op)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pixprobe: BuildOrReuse: %s\n", err)
			os.Exit(1)
		}
		reused := got.(*resizeOp)
		builtThisCall := reused == op
		fmt.Printf("width=%-4d built=%-5v result=%s\n", w, builtThisCall, *reused.result)
	}
	fmt.Printf("cache size: %d\n", c.Size())
}
