package diffsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention for the sync engine:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation
//     this includes:
//     - decode failures and dropped messages
//     - checksum mismatch rollbacks
//     - transport send errors
// V(2):
//     key events for trace debugging
//     this includes:
//     - frequent events - e.g. receive, ack, patch, notify -
//       with the doc/client key so single pairs can be filtered

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(2) {
			m := fmt.Sprintf(format, a...)
			glog.Infof("[%s]%s\n", tag, m)
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("[%s]%s", tag, m)
	}
}
