package logger

import (
	"fmt"
	"io"
	"log"
	"regexp"
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

const (
	ERROR   = 1
	INFO    = 2
	VERBOSE = 3
	DEBUG   = 7
)

var (
	level   atomic.Int32
	limiter atomic.Int64
	filter  atomic.Pointer[regexp.Regexp]
	counter = &hashmap.HashMap{}
)

func SetLevel(l int) {
	level.Store(int32(l))
}

func SetLimiter(l int) {
	limiter.Store(int64(l))
}

func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// SetFilter drops every line not matching the RE2 pattern, an empty
// pattern keeps everything.
func SetFilter(pattern string) error {
	if pattern == "" {
		filter.Store(nil)
		return nil
	}
	reg, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	filter.Store(reg)
	return nil
}

func Println(v ...any) {
	if level.Load() >= INFO {
		log.Println(v...)
	}
}

func Errorf(format string, v ...any) {
	printfAtLevel(ERROR, "", "ERROR "+format, v...)
}

func Printf(format string, v ...any) {
	printfAtLevel(INFO, "", format, v...)
}

func Verbosef(format string, v ...any) {
	printfAtLevel(VERBOSE, "", format, v...)
}

func Debugf(format string, v ...any) {
	printfAtLevel(DEBUG, "", format, v...)
}

// Scope tags every line it prints, so the lines of one connection can be
// filtered out of a busy node.
type Scope struct {
	tag string
}

func With(tag string) *Scope {
	return &Scope{tag: "[" + tag + "] "}
}

func (s *Scope) Errorf(format string, v ...any) {
	printfAtLevel(ERROR, s.tag, "ERROR "+format, v...)
}

func (s *Scope) Printf(format string, v ...any) {
	printfAtLevel(INFO, s.tag, format, v...)
}

func (s *Scope) Verbosef(format string, v ...any) {
	printfAtLevel(VERBOSE, s.tag, format, v...)
}

func (s *Scope) Debugf(format string, v ...any) {
	printfAtLevel(DEBUG, s.tag, format, v...)
}

func printfAtLevel(l int, tag, format string, v ...any) {
	if level.Load() < int32(l) {
		return
	}
	out := filterOutput(tag+format, v...)
	if out == "" {
		return
	}
	if !limiterAvailable(out) {
		return
	}
	log.Print(out)
}

func limiterAvailable(out string) bool {
	limit := limiter.Load()
	if limit == 0 {
		return true
	}
	var i int64
	val, _ := counter.GetOrInsert(out, &i)
	count := atomic.AddInt64(val.(*int64), 1)
	return count <= limit
}

func filterOutput(format string, v ...any) string {
	out := fmt.Sprintf(format, v...)
	if reg := filter.Load(); reg == nil || reg.MatchString(out) {
		return out
	}
	return ""
}
