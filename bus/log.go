// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bus

import "github.com/decred/slog"

// log is a logger that is initialized with no output filters. This
// means the package will not perform any logging by default until the
// caller requests it.
var log = slog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger slog.Logger) {
	log = logger
}
