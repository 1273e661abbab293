// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Logging surface of the allocator. btmalloc reports through exactly
// two channels: WARN for conditions surfaced in-band to the caller
// (free(0), the OS refusing pages) and PANIC for contract violations
// and corrupt heap metadata, where no recovery is possible. The debug
// dumpers (DumpStatus, PrintHeap and the MCChecks walks) write
// straight to Log at debug level.

import (
	"fmt"

	"github.com/intuitivelabs/slog"
)

// message prefixes
const (
	pWARN  = "WARNING: " + NAME + ": "
	pPANIC = NAME + ": "
)

// Log is the log used for everything the allocator reports: warnings,
// the debug dumps and the final message of a PANIC. It defaults to
// stderr at debug level so that MCDebug/MCChecks output is visible
// without configuration; embedders can swap it for their own slog.Log.
var Log slog.Log = slog.New(slog.LDBG, slog.LbackTraceS|slog.LlocInfoS,
	slog.LStdErr)

// WARNon() is a shorthand for checking if logging at LWARN level is
// enabled, for skipping work that only feeds a warning message.
func WARNon() bool {
	return Log.WARNon()
}

// WARN is a shorthand for logging a warning message.
// Warnings accompany conditions the caller also sees in-band (a NIL
// return, an ignored free); they never indicate heap corruption.
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, pWARN, f, a...)
}

// PANIC logs at BUG level and panics with the formatted message.
// It is the single exit for contract violations (bad sizes, foreign
// or double-freed addresses) and internal inconsistencies found by
// the tag codec, the indexes or the MCChecks walks; once heap
// metadata is suspect there is no recovery path.
func PANIC(f string, a ...interface{}) {
	s := fmt.Sprintf(pPANIC+f, a...)
	Log.LLog(slog.LBUG, 1, "", "%s", s)
	panic(s)
}
