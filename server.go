package ethnl

import (
	"io"
	"log/slog"
	"sync"
)

// Config configures a Server.
type Config struct {
	// Registry is the device registry the server answers requests
	// about. If nil, the server creates an empty one.
	Registry *Registry

	// Logger receives internal warnings about engine invariant
	// violations. If nil, logging is discarded.
	Logger *slog.Logger
}

// A Server is an instance of the family engine. It owns a device
// registry, serializes all driver access behind a single lock, and
// broadcasts change notifications and device lifecycle events to its
// subscribers.
//
// A Server is safe for concurrent use by multiple transports.
type Server struct {
	registry *Registry
	logger   *slog.Logger

	// mu serializes driver access and broadcast sequencing across all
	// requests, the way a single kernel-side lock would.
	mu       sync.Mutex
	bcastSeq uint32

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	warnMu sync.Mutex
	warned map[string]bool
}

// NewServer creates a Server from cfg.
func NewServer(cfg Config) *Server {
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		registry: reg,
		logger:   logger,
		subs:     make(map[int]chan Event),
		warned:   make(map[string]bool),
	}
	reg.Watch(s.deviceEvent)
	return s
}

// Registry returns the server's device registry.
func (s *Server) Registry() *Registry { return s.registry }

// warnOnce logs msg with args at warning level, once per key. Repeat
// occurrences of an engine bug should not flood the log.
func (s *Server) warnOnce(key, msg string, args ...any) {
	s.warnMu.Lock()
	seen := s.warned[key]
	s.warned[key] = true
	s.warnMu.Unlock()

	if !seen {
		s.logger.Warn(msg, args...)
	}
}
