package flux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// a canceled context unwinding through a callback is not a fault
func isCanceled(r any) bool {
	err, ok := r.(error)
	return ok && errors.Is(err, context.Canceled)
}

// HandleError runs `do` and recovers any panic.
// The recovered value is passed to handlers of type `func()` or `func(error)`.
// Returns the recovered value, or nil.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		if !isCanceled(r) {
			glog.Warningf("[fault]%s\n", panicJson(r, debug.Stack()))
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		for _, handler := range handlers {
			switch v := handler.(type) {
			case func():
				v()
			case func(error):
				v(err)
			}
		}
	}()
	do()
	return
}

// one line json so that a panic stays greppable in the glog output
func panicJson(r any, stack []byte) string {
	frames := []string{}
	for _, frame := range strings.Split(string(stack), "\n") {
		if frame = strings.TrimSpace(frame); frame != "" {
			frames = append(frames, frame)
		}
	}
	out, _ := json.Marshal(map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"stack": frames,
	})
	return string(out)
}

// timed runs `do`, observes its duration, and traces it at V(2)
func timed[R any](tag string, observe func(time.Duration), do func() (R, error)) (R, error) {
	start := time.Now()
	result, err := do()
	elapsed := time.Since(start)
	observe(elapsed)
	if glog.V(LogLevelTrace) {
		millis := float64(elapsed) / float64(time.Millisecond)
		if err != nil {
			glog.Infof("%s (%.2fms) err = %s\n", tag, millis, err)
		} else {
			glog.Infof("%s (%.2fms) = %v\n", tag, millis, result)
		}
	}
	return result, err
}
