package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	faultTimeLayout = "2006-01-02--15-04-05"
	// maxFaultFiles bounds the dumps kept for one second.
	maxFaultFiles = 100
)

// FaultSink persists unexpected faults to diagnostic files. It never panics
// and never returns an error.
type FaultSink struct {
	dir string
	now func() time.Time
}

// NewFaultSink writes dumps into dir.
func NewFaultSink(dir string) *FaultSink {
	return &FaultSink{dir: dir, now: time.Now}
}

// Record writes task_err_<timestamp>.txt and returns its path, or "" if
// nothing could be written.
func (f *FaultSink) Record(label string, recovered any, stack []byte) string {
	return f.write(false, label, recovered, stack)
}

// RecordGlobal writes glob_err.txt for a fault outside any ticket.
func (f *FaultSink) RecordGlobal(recovered any, stack []byte) string {
	return f.write(true, "dispatcher", recovered, stack)
}

func (f *FaultSink) write(global bool, label string, recovered any, stack []byte) (path string) {
	if f == nil {
		return ""
	}
	defer func() {
		if recover() != nil {
			path = ""
		}
	}()

	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return ""
	}
	now := f.now()
	body := fmt.Sprintf("%s\n%s\npanic: %v\n\n%s", now.Format(time.RFC3339), label, recovered, stack)

	if global {
		path = filepath.Join(f.dir, "glob_err.txt")
		if err := os.WriteFile(path, []byte(body), 0o640); err != nil {
			return ""
		}
		return path
	}

	base := "task_err_" + now.Format(faultTimeLayout)
	for n := 0; n < maxFaultFiles; n++ {
		switch n {
		case 0:
			path = filepath.Join(f.dir, base+".txt")
		case 1:
			path = filepath.Join(f.dir, fmt.Sprintf("%s_%d.txt", base, os.Getpid()))
		default:
			path = filepath.Join(f.dir, fmt.Sprintf("%s_%d_%d.txt", base, os.Getpid(), n))
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return ""
		}
		_, werr := file.WriteString(body)
		if cerr := file.Close(); werr != nil || cerr != nil {
			return ""
		}
		return path
	}
	return ""
}
