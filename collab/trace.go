package collab

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do` and recovers any panic. Handlers are `func()` or `func(error)`.
// Callbacks into user code go through here so that one bad callback cannot take down a run loop.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Errorf("Unexpected error: %s\n", panicJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

// single line form of a recovered panic so that it survives log aggregation
func panicJson(r any, stack []byte) string {
	frames := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			frames = append(frames, line)
		}
	}
	out, _ := json.Marshal(map[string]any{
		"panic": fmt.Sprintf("%T=%v", r, r),
		"stack": frames,
	})
	return string(out)
}

// logs the duration and outcome of `do` at trace verbosity
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	start := time.Now()
	result, err := do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		glog.Infof("%s (%.2fms) err = %s\n", tag, millis, err)
	} else {
		glog.Infof("%s (%.2fms) = %v\n", tag, millis, result)
	}
	return result, err
}
