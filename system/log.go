// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package system

import "github.com/decred/slog"

// log is a package level logger disabled by default until the caller
// assigns one with UseLogger.
var log = slog.Disabled

// UseLogger sets the package logger. This should be called before the
// servers start handling requests.
func UseLogger(logger slog.Logger) {
	log = logger
}
