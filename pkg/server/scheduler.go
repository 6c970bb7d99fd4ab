package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linechat/linechat/pkg/database"
	"github.com/linechat/linechat/pkg/protocol"
)

var (
	// ErrMessagePending indicates the sender already has a scheduled
	// message that has not been delivered or cancelled yet.
	ErrMessagePending = errors.New("a scheduled message is already pending")

	// ErrNoScheduledMessage indicates the sender has nothing to cancel.
	ErrNoScheduledMessage = errors.New("no scheduled messages")
)

// MessageStatus tracks a message through its lifecycle.
type MessageStatus string

const (
	StatusNotSent   MessageStatus = "NOT_SENT"
	StatusPending   MessageStatus = "PENDING"
	StatusFinished  MessageStatus = "FINISHED"
	StatusCancelled MessageStatus = "CANCELLED"
)

// Message is one chat message, broadcast or targeted. Sender and Target are
// resolved to live sessions at creation time; a nil Target means broadcast,
// with the recipient set captured at delivery time.
type Message struct {
	ID     string
	Text   string
	Sender *Session
	Target *Session

	mu     sync.Mutex
	status MessageStatus
	timer  *time.Timer
}

// Status returns the current lifecycle status.
func (m *Message) Status() MessageStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Message) setStatus(s MessageStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// IsBroadcast reports whether the message targets all sessions.
func (m *Message) IsBroadcast() bool {
	return m.Target == nil
}

// Scheduler creates pending sends and delivers them, immediately or after a
// delay. It enforces at most one pending message per sender and supports
// cancellation that races safely against an in-flight delivery: the
// sender->pending mapping is cleared atomically by whichever side (timer or
// cancel) claims the message first.
type Scheduler struct {
	mu      sync.Mutex
	pending map[uint64]*Message // sender session ID -> pending message

	sessions *SessionManager
	history  *database.HistoryStore
	logger   *slog.Logger
	metrics  *Metrics
}

// NewScheduler creates a Scheduler delivering through the given registry and
// recording finished messages in history.
func NewScheduler(sessions *SessionManager, history *database.HistoryStore, logger *slog.Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{
		pending:  make(map[uint64]*Message),
		sessions: sessions,
		history:  history,
		logger:   logger,
		metrics:  metrics,
	}
}

// Schedule creates a message from sender to target (nil = broadcast). A zero
// delay delivers immediately but asynchronously, regardless of any parked
// message; a positive delay parks the message as PENDING behind a one-shot
// timer. A second delayed schedule while one is pending is rejected with
// ErrMessagePending.
func (sc *Scheduler) Schedule(sender, target *Session, text string, delay time.Duration) (*Message, error) {
	msg := &Message{
		ID:     uuid.NewString(),
		Text:   text,
		Sender: sender,
		Target: target,
		status: StatusNotSent,
	}

	if delay <= 0 {
		go sc.deliver(msg)
		return msg, nil
	}

	sc.mu.Lock()
	if _, busy := sc.pending[sender.ID]; busy {
		sc.mu.Unlock()
		return nil, ErrMessagePending
	}

	msg.status = StatusPending
	sc.pending[sender.ID] = msg
	msg.timer = time.AfterFunc(delay, func() {
		if sc.claim(sender.ID, msg) {
			sc.deliver(msg)
		}
	})
	sc.mu.Unlock()

	if sc.metrics != nil {
		sc.metrics.MessageOutcome("scheduled")
	}
	sc.logger.Debug("message scheduled",
		"message", msg.ID,
		"sender", sender.ID,
		"delay", delay,
		"broadcast", msg.IsBroadcast())
	return msg, nil
}

// claim removes the sender->message mapping if and only if it still points at
// msg. Exactly one of the delivery timer and Cancel wins this race.
func (sc *Scheduler) claim(senderID uint64, msg *Message) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.pending[senderID] != msg {
		return false
	}
	delete(sc.pending, senderID)
	return true
}

// Cancel stops the sender's pending message before it fires. If the timer
// already claimed the message (delivery started), Cancel reports
// ErrNoScheduledMessage rather than double-handling.
func (sc *Scheduler) Cancel(sender *Session) (*Message, error) {
	sc.mu.Lock()
	msg, ok := sc.pending[sender.ID]
	if !ok {
		sc.mu.Unlock()
		return nil, ErrNoScheduledMessage
	}
	delete(sc.pending, sender.ID)
	sc.mu.Unlock()

	msg.timer.Stop()
	msg.setStatus(StatusCancelled)

	if sc.metrics != nil {
		sc.metrics.MessageOutcome("cancelled")
	}
	sc.logger.Debug("message cancelled", "message", msg.ID, "sender", sender.ID)
	return msg, nil
}

// HasPending reports whether the sender currently has a pending message.
func (sc *Scheduler) HasPending(sender *Session) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.pending[sender.ID]
	return ok
}

// SessionClosed cancels the closing session's pending message, if any, so a
// departed sender does not leave a timer behind.
func (sc *Scheduler) SessionClosed(sess *Session) {
	if _, err := sc.Cancel(sess); err != nil && !errors.Is(err, ErrNoScheduledMessage) {
		sc.logger.Debug("pending cleanup failed", "session", sess.ID, "error", err)
	}
}

// Stop cancels every pending message. Used during server shutdown.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	pending := make([]*Message, 0, len(sc.pending))
	for id, msg := range sc.pending {
		pending = append(pending, msg)
		delete(sc.pending, id)
	}
	sc.mu.Unlock()

	for _, msg := range pending {
		msg.timer.Stop()
		msg.setStatus(StatusCancelled)
	}
}

// deliver fans the message out. The recipient set is resolved here, at
// delivery time: a targeted message goes to its (possibly stale) target, a
// broadcast goes to a fresh snapshot of all live sessions. Each recipient is
// written concurrently and failures are isolated per recipient.
func (sc *Scheduler) deliver(msg *Message) {
	start := time.Now()

	var recipients []*Session
	if msg.Target != nil {
		recipients = []*Session{msg.Target}
	} else {
		recipients = sc.sessions.All()
	}

	wireTarget := protocol.Broadcast
	if msg.Target != nil {
		wireTarget = msg.Target.Username()
	}
	payload := protocol.ChatPayload{
		Text:        msg.Text,
		Sender:      msg.Sender.Username(),
		IsBroadcast: msg.IsBroadcast(),
	}

	var wg sync.WaitGroup
	for _, recipient := range recipients {
		wg.Add(1)
		go func(recipient *Session) {
			defer wg.Done()
			update := protocol.Chat(recipient.Username(), payload)
			if err := recipient.SendUpdate(update); err != nil {
				// A recipient that went away mid-delivery must not
				// affect the rest of the fan-out.
				sc.logger.Debug("delivery to recipient failed",
					"message", msg.ID,
					"recipient", recipient.ID,
					"error", err)
			}
		}(recipient)
	}
	wg.Wait()

	msg.setStatus(StatusFinished)

	if err := sc.history.Record(msg.ID, payload.Sender, wireTarget, msg.Text, time.Now()); err != nil {
		sc.logger.Error("failed to record message history", "message", msg.ID, "error", err)
	}

	if sc.metrics != nil {
		sc.metrics.MessageOutcome("delivered")
		sc.metrics.DeliveryObserved(time.Since(start).Seconds())
	}
	sc.logger.Debug("message delivered",
		"message", msg.ID,
		"recipients", len(recipients),
		"broadcast", msg.IsBroadcast())
}
