// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"time"
)

// FormatDuration pretty prints duration without a long list of decimal points: it keeps 3 significant
// digits for durations below one minute, and rounds to the second above that.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return d.String()
	case d >= time.Minute:
		return d.Round(time.Second).String()
	}
	precision := time.Duration(1)
	for d/precision >= 1000 {
		precision *= 10
	}
	return d.Round(precision).String()
}
