// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package system

import (
	"os"
	"os/signal"
)

func notifyOnSignal(sig os.Signal, fn func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sig)

	go func() {
		for range sigChan {
			log.Infof("Received: %s", sig)
			fn()
		}
	}()
}
