package resilience

import (
	"context"
	"sync"
	"time"

	"edgetutor/internal/errors"
	"edgetutor/internal/logging"
)

const (
	maxRestartAttempts = 3
	restartCooldown    = 5 * time.Minute
)

// RestartFunc restarts one supervised dependency.
type RestartFunc func(ctx context.Context) error

// EscalateFunc is the external notification hook invoked when a dependency
// exhausts its restart budget.
type EscalateFunc func(name, detail string)

type restartState struct {
	attempts    int
	lastAttempt time.Time
	escalated   bool
}

// Supervisor restarts failing dependencies with a bounded retry budget and a
// cooldown between attempts. History is process-local; a process restart
// resets it.
type Supervisor struct {
	mu       sync.Mutex
	restarts map[string]RestartFunc
	state    map[string]*restartState
	escalate EscalateFunc
	logger   logging.Logger
	now      func() time.Time
}

// NewSupervisor builds a supervisor. escalate may be nil.
func NewSupervisor(escalate EscalateFunc, logger logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Supervisor{
		restarts: make(map[string]RestartFunc),
		state:    make(map[string]*restartState),
		escalate: escalate,
		logger:   logger.WithComponent("supervisor"),
		now:      time.Now,
	}
}

// Register binds a restart action to a dependency name.
func (s *Supervisor) Register(name string, restart RestartFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts[name] = restart
}

// HandleCritical reacts to a critical probe for the named dependency:
// restart it if the budget and cooldown allow, escalate once when the budget
// is spent.
func (s *Supervisor) HandleCritical(ctx context.Context, name, detail string) {
	s.mu.Lock()
	restart, known := s.restarts[name]
	if !known {
		s.mu.Unlock()
		return
	}
	st := s.state[name]
	if st == nil {
		st = &restartState{}
		s.state[name] = st
	}
	now := s.now()

	if st.attempts >= maxRestartAttempts {
		if !st.escalated {
			st.escalated = true
			s.mu.Unlock()
			s.logger.ErrorContext(ctx, "restart budget exhausted, escalating",
				"dependency", name, "detail", detail)
			if s.escalate != nil {
				s.escalate(name, detail)
			}
			return
		}
		s.mu.Unlock()
		return
	}
	if st.attempts > 0 && now.Sub(st.lastAttempt) < restartCooldown {
		s.mu.Unlock()
		return
	}
	st.attempts++
	st.lastAttempt = now
	attempt := st.attempts
	s.mu.Unlock()

	s.logger.WarnContext(ctx, "restarting dependency",
		"dependency", name, "attempt", attempt, "detail", detail)
	if err := restart(ctx); err != nil {
		s.logger.ErrorContext(ctx, "restart failed",
			"dependency", name, "attempt", attempt, "error", err.Error())
		return
	}
	s.logger.InfoContext(ctx, "dependency restarted", "dependency", name)
	s.reset(name)
}

// reset clears the restart history after a successful recovery.
func (s *Supervisor) reset(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, name)
}

// Attempts reports how many restarts have been tried for a dependency since
// its last recovery.
func (s *Supervisor) Attempts(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.state[name]; st != nil {
		return st.attempts
	}
	return 0
}

// RestartNow forces a restart outside the probe path, honoring no cooldown.
// Rollback uses it to bounce dependencies around a restore.
func (s *Supervisor) RestartNow(ctx context.Context, name string) error {
	s.mu.Lock()
	restart, known := s.restarts[name]
	s.mu.Unlock()
	if !known {
		return errors.Newf(errors.KindValidation, "no restart registered for %q", name)
	}
	return restart(ctx)
}
