package concurrency

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is delivered by Go when the goroutine panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// SafeGo runs a function in a goroutine with panic recovery.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				slog.Error("Panic recovered", "panic", r, "stack", string(stack))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

// Go runs fn under SafeGo. The returned channel yields fn's error, or a
// *PanicError, exactly once and is then closed.
func Go(fn func() error) <-chan error {
	done := make(chan error, 1)
	SafeGo(func() {
		err := fn()
		done <- err
		close(done)
	}, func(r interface{}) {
		done <- &PanicError{Value: r, Stack: debug.Stack()}
		close(done)
	})
	return done
}
