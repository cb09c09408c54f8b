package logging

import (
	"fmt"
	"runtime/debug"
)

// Go runs fn on its own goroutine with panic containment. Background
// work launched this way can lose one unit of work to a panic but never
// takes the process down with it.
func (l *Logger) Go(name string, fn func()) {
	go func() {
		defer l.Recover(name)
		fn()
	}()
}

// Recover logs a recovered panic with its stack. Deferred at the top of
// worker loops that must outlive a bad input.
func (l *Logger) Recover(name string) {
	r := recover()
	if r == nil {
		return
	}
	if l == nil {
		return
	}
	l.Error("goroutine panic",
		"goroutine", name,
		"panic", fmt.Sprint(r),
		"stack", string(debug.Stack()))
}
