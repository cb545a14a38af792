// Package logutil adds levels and an optional JSON line format on top of
// the standard *log.Logger that every component accepts.
package logutil

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type level string

const (
	levelDebug level = "debug"
	levelInfo  level = "info"
	levelWarn  level = "warn"
	levelError level = "error"
)

var (
	jsonMode  atomic.Bool
	debugMode atomic.Bool
)

func init() {
	if os.Getenv("RAFT_LOG_JSON") == "1" || os.Getenv("RAFT_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
	if os.Getenv("RAFT_LOG_DEBUG") == "1" {
		debugMode.Store(true)
	}
}

// SetJSON switches between plain "LEVEL msg" lines and one JSON object per line.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// SetDebug enables Debugf output.
func SetDebug(enabled bool) { debugMode.Store(enabled) }

// ForNode returns a logger whose lines are tagged with the node id. In JSON
// mode the tag becomes the "logger" field.
func ForNode(l *log.Logger, id string) *log.Logger {
	if l == nil {
		l = log.Default()
	}
	return log.New(l.Writer(), "raft["+id+"] "+l.Prefix(), l.Flags())
}

func Debugf(l *log.Logger, f string, args ...any) {
	if !debugMode.Load() {
		return
	}
	logf(l, levelDebug, f, args...)
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, levelInfo, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, levelWarn, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, levelError, f, args...) }

func logf(l *log.Logger, lv level, f string, args ...any) {
	if l == nil {
		l = log.Default()
	}
	msg := fmt.Sprintf(f, args...)
	if !jsonMode.Load() {
		out := log.New(l.Writer(), strings.ToUpper(string(lv))+" "+l.Prefix(), l.Flags())
		out.Print(msg)
		return
	}
	evt := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": lv,
		"msg":   msg,
	}
	if p := strings.TrimSpace(l.Prefix()); p != "" {
		evt["logger"] = p
	}
	b, _ := json.Marshal(evt)
	// the prefix lives in the object, so bypass l to keep the line valid JSON
	_, _ = l.Writer().Write(append(b, '\n'))
}
