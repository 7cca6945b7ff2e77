package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collab` package:
// Info:
//     events for abnormal behavior that the session recovers from.
//     This level should be silent on normal operation, with the exception of
//     infrequent lifecycle events. This includes:
//     - connection errors and scheduled reconnects
//     - dropped publishes
//     - document sync failures
// Error:
//     unexpected panics, even if handled and suppressed for partial operation
// V(1):
//     lifecycle transitions (connect, subscribe, attach, detach)
// V(2):
//     per frame and per message trace

const (
	tagTransport        = "[t]"
	tagTransportSend    = "[ts]"
	tagTransportReceive = "[tr]"
	tagSync             = "[sync]"
	tagTerminal         = "[term]"
	tagChat             = "[chat]"
	tagApi              = "[api]"
)

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		glog.InfoDepth(1, fmt.Sprintf("%s%s", tag, m))
	}
}

func traceFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(2) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s%s", tag, m))
		}
	}
}
