package errors

import (
	"errors"
	"fmt"
)

// Isolate runs a callback owned by someone else. A panic is recovered and handed to onPanic,
// unless its value is an error classified fatal, which is re-raised.
func Isolate(fn func(), onPanic func(recovered any)) (panicked bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if err, ok := r.(error); ok && IsFatal(err) {
			panic(r)
		}
		panicked = true
		if onPanic != nil {
			onPanic(r)
		}
	}()
	fn()
	return false
}

// PanicError converts a recovered value to an error
func PanicError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return fmt.Errorf("callback panic: %w", err)
	}
	return errors.New(fmt.Sprint("callback panic: ", recovered))
}
