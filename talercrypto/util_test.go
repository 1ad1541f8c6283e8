// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package talercrypto

import "time"

// timeFromUnix is a test shorthand for time.Unix(sec, 0).
func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0)
}
