package supervisor

import (
	"time"

	"github.com/ShayCichocki/colony/internal/logging"
	"github.com/ShayCichocki/colony/internal/state"
	"github.com/ShayCichocki/colony/internal/stream"
)

// Default tuning values.
const (
	DefaultKillGrace       = 5 * time.Second
	DefaultMaxOutputBytes  = 1 << 20
	DefaultPersistDebounce = 500 * time.Millisecond
	DefaultWatchBuffer     = 256
	DefaultSendTimeout     = 100 * time.Millisecond
	DefaultDrainGrace      = time.Second
)

// Option configures a Supervisor. Use With* functions to create Options.
type Option func(*Supervisor)

// WithStore persists process records through store.
func WithStore(store state.ProcessStore) Option {
	return func(s *Supervisor) { s.store = store }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithLogDir writes every process's output to <dir>/<id>.log.
func WithLogDir(dir string) Option {
	return func(s *Supervisor) { s.logDir = dir }
}

// WithEncoder sets how follow-up messages are written to interactive stdin.
func WithEncoder(enc stream.Encoder) Option {
	return func(s *Supervisor) { s.encoder = enc }
}

// WithKillGrace sets the delay between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.killGrace = d }
}

// WithMaxOutputBytes bounds the in-memory output buffer of each process.
func WithMaxOutputBytes(n int) Option {
	return func(s *Supervisor) { s.maxOutput = n }
}

// WithPersistDebounce sets how long output-driven record writes are coalesced.
func WithPersistDebounce(d time.Duration) Option {
	return func(s *Supervisor) { s.persistDelay = d }
}

// WithWatchBuffer sets the buffer size of watch channels.
func WithWatchBuffer(n int) Option {
	return func(s *Supervisor) { s.watchBuffer = n }
}

// WithDrainGrace sets how long output from descendants is still read after
// the child itself exited.
func WithDrainGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.drainGrace = d }
}
