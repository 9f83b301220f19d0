// Package trace provides the per-component logger and stat counters shared
// by the protocol engine, endpoint client, emulator fabric, and arbiter.
package trace

import (
	"log"
	"os"
	"sync"
)

// Logger prefixes every line with a component tag, mirroring the way
// lib/pconn.go and lib/service.go prefix their log.Println calls by hand.
type Logger struct {
	l *log.Logger
}

// New builds a component-scoped logger writing to stderr.
func New(component string) *Logger {
	return &Logger{l: log.New(os.Stderr, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)}
}

func (lg *Logger) Printf(format string, args ...any) { lg.l.Printf(format, args...) }
func (lg *Logger) Println(args ...any)                { lg.l.Println(args...) }

// Stats is a per-component block of named counters, bumped on every
// protocol-recoverable, scheduling, or resource error per spec.md §7.
// Errors never propagate as panics across a component boundary; they are
// counted here and the caller sees only a boolean or typed enum result.
type Stats struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewStats allocates an empty counter block.
func NewStats() *Stats {
	return &Stats{counters: make(map[string]uint64)}
}

// Inc bumps a named counter by one.
func (s *Stats) Inc(name string) {
	s.mu.Lock()
	s.counters[name]++
	s.mu.Unlock()
}

// Add bumps a named counter by n.
func (s *Stats) Add(name string, n uint64) {
	s.mu.Lock()
	s.counters[name] += n
	s.mu.Unlock()
}

// Get returns the current value of a named counter.
func (s *Stats) Get(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Snapshot returns a copy of all counters, for telemetry export.
func (s *Stats) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}
