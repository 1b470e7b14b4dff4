// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package capture

import (
	"time"

	"grimm.is/nds/internal/errors"
)

// openDatagram is the AF_PACKET fallback; it only exists on Linux.
func openDatagram(string, time.Duration) (packetSource, error) {
	return nil, errors.New(errors.KindUnavailable, "datagram capture requires Linux")
}
