package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linechat/linechat/pkg/protocol"
)

var (
	// ErrSelfReport indicates a session tried to report itself.
	ErrSelfReport = errors.New("cannot report yourself")

	// ErrAlreadyReported indicates the reporter already reported this target.
	ErrAlreadyReported = errors.New("already reported")
)

// Moderator owns the report/ban state machine. Reports accumulate per target
// session, keyed by reporter session ID so a rename cannot reset them. When
// the report count reaches the threshold the target is banned, notified, and
// automatically unbanned after the ban duration. Each ban has exactly one
// timer; session teardown cancels it.
type Moderator struct {
	threshold   int
	banDuration time.Duration

	mu     sync.Mutex
	timers map[uint64]*time.Timer // target session ID -> unban timer

	logger  *slog.Logger
	metrics *Metrics
}

// NewModerator creates a Moderator with the given escalation threshold and
// automatic unban duration.
func NewModerator(threshold int, banDuration time.Duration, logger *slog.Logger, metrics *Metrics) *Moderator {
	return &Moderator{
		threshold:   threshold,
		banDuration: banDuration,
		timers:      make(map[uint64]*time.Timer),
		logger:      logger,
		metrics:     metrics,
	}
}

// Report registers one report against target. It returns true when this
// report pushed the target over the threshold and a ban was applied. The
// target is notified of its ban out of band; the caller is responsible only
// for the reporter's own update.
func (m *Moderator) Report(reporter, target *Session) (banned bool, err error) {
	if reporter.ID == target.ID {
		return false, ErrSelfReport
	}

	target.mu.Lock()
	if _, dup := target.reportedBy[reporter.ID]; dup {
		target.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrAlreadyReported, target.username)
	}
	target.reportedBy[reporter.ID] = struct{}{}
	shouldBan := !target.banned && len(target.reportedBy) >= m.threshold
	if shouldBan {
		target.banned = true
	}
	target.mu.Unlock()

	if !shouldBan {
		return false, nil
	}

	m.armUnban(target)
	if m.metrics != nil {
		m.metrics.BanApplied()
	}
	m.logger.Info("session banned",
		"session", target.ID,
		"username", target.Username(),
		"duration", m.banDuration)

	notice := fmt.Sprintf("[SERVER] You were reported %d times and are banned for %.0f seconds.",
		m.threshold, m.banDuration.Seconds())
	if err := target.SendUpdate(protocol.Error(target.Username(), notice)); err != nil {
		m.logger.Debug("ban notice not delivered", "session", target.ID, "error", err)
	}
	return true, nil
}

// armUnban installs the one-shot unban timer, replacing any previous one so a
// re-ban restarts the countdown from zero.
func (m *Moderator) armUnban(target *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.timers[target.ID]; ok {
		prev.Stop()
	}
	m.timers[target.ID] = time.AfterFunc(m.banDuration, func() {
		m.unban(target)
	})
}

// unban clears the ban flag and the report set, then tells the target it may
// send again.
func (m *Moderator) unban(target *Session) {
	m.mu.Lock()
	delete(m.timers, target.ID)
	m.mu.Unlock()

	target.mu.Lock()
	target.banned = false
	target.reportedBy = make(map[uint64]struct{})
	target.mu.Unlock()

	m.logger.Info("session unbanned", "session", target.ID, "username", target.Username())

	notice := "[SERVER] Your ban has expired. You may send messages again."
	if err := target.SendUpdate(protocol.OK(target.Username(), notice)); err != nil {
		m.logger.Debug("unban notice not delivered", "session", target.ID, "error", err)
	}
}

// SessionClosed cancels the target's pending unban timer, if any. Called
// during session teardown so removed sessions do not leak timers.
func (m *Moderator) SessionClosed(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.timers[sess.ID]; ok {
		timer.Stop()
		delete(m.timers, sess.ID)
	}
}

// Stop cancels all outstanding unban timers.
func (m *Moderator) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}
