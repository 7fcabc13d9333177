package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f, restarting it on a new goroutine after a panic.
// maxPanics bounds the restarts; a negative value restarts without limit.
func GoRecoverable(maxPanics int, id string, f func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		entry := log.WithFields(log.Fields{
			"job":      id,
			"panic":    fmt.Sprint(r),
			"location": panicOrigin(),
		})
		entry.Error("job panicked")
		if maxPanics == 0 {
			entry.Fatal("panic limit exceeded")
		}
		if maxPanics > 0 {
			maxPanics--
		}
		entry.WithField("restarts_left", maxPanics).Debug("restarting job")
		go GoRecoverable(maxPanics, id, f)
	}()
	f()
}

// panicOrigin walks the stack past the runtime frames to the frame that
// raised the panic.
func panicOrigin() string {
	var pc [16]uintptr
	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line := fn.FileLine(pc)
		name := fn.Name()
		if strings.HasPrefix(name, "runtime.") {
			continue
		}
		if name != "" {
			return fmt.Sprintf("%v:%v", name, line)
		}
		return fmt.Sprintf("%v:%v", file, line)
	}
	return "unknown"
}
