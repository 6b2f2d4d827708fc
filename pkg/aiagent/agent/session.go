package agent

import (
	"github.com/nidoit/blunux2SB/pkg/aiagent/executor"
	"github.com/nidoit/blunux2SB/pkg/aiagent/provider"
)

// load returns a copy of the sender's history and takes its pending
// candidate. Expired sessions are discarded first.
func (a *Agent) load(from string) ([]provider.Message, *pending) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	s, ok := a.sessions[from]
	if !ok {
		return nil, nil
	}
	if now.Sub(s.lastActive) > a.cfg.SessionTimeout {
		delete(a.sessions, from)
		a.logger.Debug("session expired", "from", from)
		return nil, nil
	}
	s.lastActive = now
	p := s.pending
	s.pending = nil
	return append([]provider.Message(nil), s.history...), p
}

// commit stores msgs as the sender's history.
func (a *Agent) commit(t *turn, msgs []provider.Message) {
	if !t.persist {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.session(t.from)
	s.history = trimHistory(msgs, a.cfg.HistoryLimit)
}

// hold parks p on the sender's session.
func (a *Agent) hold(t *turn, p *pending) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.session(t.from)
	s.pending = p
}

// session returns the sender's session, creating it. Callers hold a.mu.
func (a *Agent) session(from string) *session {
	s, ok := a.sessions[from]
	if !ok {
		s = &session{}
		a.sessions[from] = s
	}
	s.lastActive = a.clock.Now()
	return s
}

// Reset drops the sender's session. A pending command is recorded as
// cancelled.
func (a *Agent) Reset(from string) {
	a.mu.Lock()
	s, ok := a.sessions[from]
	delete(a.sessions, from)
	a.mu.Unlock()

	if ok && s.pending != nil {
		a.exec.Cancel(s.pending.cand)
		a.logCommand(executor.StatusCancelled, s.pending.cand.Command)
	}
}

// Sessions returns the number of live sessions.
func (a *Agent) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// HasPending reports whether from has a command awaiting confirmation.
func (a *Agent) HasPending(from string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[from]
	return ok && s.pending != nil
}

// trimHistory keeps at most limit messages and never starts the
// history with an assistant message or an orphaned tool result.
func trimHistory(msgs []provider.Message, limit int) []provider.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for len(msgs) > 0 && (msgs[0].Role != provider.RoleUser || msgs[0].Result != nil) {
		msgs = msgs[1:]
	}
	return append([]provider.Message(nil), msgs...)
}
