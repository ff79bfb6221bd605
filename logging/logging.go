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

// Package logging defines the narrow logging seam used by opcache's
// trace output: a single Printf-shaped interface so that a nil
// logger costs nothing and a caller can plug in whatever structured
// logger their process already uses.
package logging

import (
	"context"
	"fmt"
	"log/slog"
)

// Logger is implemented by anything that can take a printf-style
// format string, matching tenant/dcache.Logger in the teacher
// repository so callers already holding one of those can reuse it
// here without an adapter.
type Logger interface {
	Printf(f string, args ...any)
}

// nopLogger discards everything. It backs Nop, the concrete,
// always-non-nil Logger that opcache.New installs by default.
type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Nop is a Logger that discards every call.
var Nop Logger = nopLogger{}

// Errorf calls log.Printf(f, args...) if log is non-nil, and does
// nothing otherwise, so a caller need not nil-check inline, mirroring
// tenant/dcache/cache.go's Cache.errorf. No package in this module
// calls it outside its own tests.
func Errorf(log Logger, f string, args ...any) {
	if log != nil {
		log.Printf(f, args...)
	}
}

// slogAdapter wraps a *slog.Logger so it satisfies Logger.
type slogAdapter struct {
	l     *slog.Logger
	level slog.Level
}

// FromSlog adapts an *slog.Logger to Logger, logging every call at
// level. Use this to route opcache's trace output through a process's existing structured logger instead of the
// standard library's log package.
func FromSlog(l *slog.Logger, level slog.Level) Logger {
	return slogAdapter{l: l, level: level}
}

func (s slogAdapter) Printf(f string, args ...any) {
	s.l.Log(context.Background(), s.level, fmt.Sprintf(f, args...))
}
