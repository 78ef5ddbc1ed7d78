// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nlcg

import (
	"fmt"
	"io"
)

// LogLevel controls the frequency and type of logger output.
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only the startup banner and the final summary
	LogLast LogLevel = 0
	// LogEval print free energy and slope for every iteration
	LogEval LogLevel = 1
	// LogTrace print details of every iteration (gamma, restarts, timing)
	LogTrace LogLevel = 2
)

// Logger handles the append-only diagnostic stream of the optimizer.
// The output is advisory and not part of the programmatic contract.
// Note the writer must be thread-safe.
type Logger struct {
	Level LogLevel
	Msg   io.Writer
}

func (l *Logger) enable(level LogLevel) bool {
	return l != nil && l.Msg != nil && l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if l == nil || l.Msg == nil {
		return
	}
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}
