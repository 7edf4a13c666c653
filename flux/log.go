package flux

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `flux` package:
// Info:
//     abnormal events. This level should be silent on normal operation,
//     with the exception of one time (infrequent) lifecycle data that is useful for monitoring
//     this includes:
//     - reconnects and terminal connect errors
//     - dropped or malformed frames
//     - recovered panics
// V(1):
//     lifecycle events with ids that can be used to filter, e.g. open, close, subscribe
// V(2):
//     per-frame traces, e.g. send, receive, ping

const LogLevelLifecycle = glog.Level(1)
const LogLevelTrace = glog.Level(2)

type LogFunction func(string, ...any)

// LogFn logs at `level` with a `[tag]` prefix.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
