package concurrency

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

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

// SafeGoWG is SafeGo tracked by wg. Done is called even when fn panics.
func SafeGoWG(wg *sync.WaitGroup, fn func(), onPanic func(interface{})) {
	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		fn()
	}, onPanic)
}
