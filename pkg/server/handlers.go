package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/linechat/linechat/pkg/database"
	"github.com/linechat/linechat/pkg/protocol"
	"github.com/samber/lo"
)

// ErrClientDisconnecting signals a graceful disconnect requested by the
// client. The reply has already been produced; the connection loop sends it
// and then tears the session down.
var ErrClientDisconnecting = errors.New("client disconnecting")

// Request is one decoded client command bound to its session, with a
// per-request logger carrying the request id.
type Request struct {
	ID      string
	Session *Session
	Command string
	Data    string
	Logger  *slog.Logger
}

// HandlerFunc handles one request and produces exactly one update for the
// requesting session. It returns ErrClientDisconnecting to request teardown
// after the reply is sent; any other error is an internal failure.
type HandlerFunc func(req *Request) (protocol.Update, error)

type handlerEntry struct {
	name    string
	help    string
	handler HandlerFunc
}

// Dispatcher maps command names to handlers. The table is built once at
// startup; unknown commands resolve to the fallback handler rather than an
// error.
type Dispatcher struct {
	handlers map[string]handlerEntry
	order    []string // registration order, for help output
	unknown  HandlerFunc
	logger   *slog.Logger
	metrics  *Metrics
}

// NewDispatcher creates an empty dispatch table with the given fallback.
func NewDispatcher(unknown HandlerFunc, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]handlerEntry),
		unknown:  unknown,
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds a command to the table. Aliases re-register the same handler
// under another name with an empty help string.
func (d *Dispatcher) Register(name, help string, handler HandlerFunc) {
	d.handlers[name] = handlerEntry{name: name, help: help, handler: handler}
	d.order = append(d.order, name)
}

// Help returns the registered command descriptions in registration order.
func (d *Dispatcher) Help() []string {
	lines := make([]string, 0, len(d.order))
	for _, name := range d.order {
		if entry := d.handlers[name]; entry.help != "" {
			lines = append(lines, entry.help)
		}
	}
	return lines
}

// Dispatch routes one request. Unknown commands never fail: they resolve to
// the fallback handler. A panicking handler is caught here and turned into an
// ERROR update so one bad request cannot take the server down.
func (d *Dispatcher) Dispatch(req *Request) (update protocol.Update, err error) {
	entry, ok := d.handlers[req.Command]
	handler := entry.handler
	if !ok {
		handler = d.unknown
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				"request", req.ID,
				"command", req.Command,
				"panic", r)
			update = protocol.Error(req.Session.Username(), "Internal server error.")
			err = nil
		}
		if d.metrics != nil {
			d.metrics.CommandHandled(req.Command, update.Status)
		}
	}()

	req.Logger.Debug("dispatching request", "command", req.Command)
	return handler(req)
}

// buildDispatcher wires the command table for this server instance. The help
// strings double as the help command's output, mirroring the command grammar.
func (s *Server) buildDispatcher() *Dispatcher {
	d := NewDispatcher(s.handleUnknown, s.logger, s.metrics)

	d.Register("help", "help - list all commands and what they do.", s.handleHelp)
	d.Register("exit", "exit - disconnect from the server.", s.handleExit)
	d.Register("logout", "", s.handleExit)
	d.Register("rename", "rename <name> - change your username (3-15 characters, no whitespace).", s.handleRename)
	d.Register("users", "users - list all connected users.", s.handleUsers)
	d.Register("send", "send [-u <username>] [-t <seconds>] <text> - send a message to everyone, one user, or later.", s.handleSend)
	d.Register("cancel", "cancel - cancel your scheduled message.", s.handleCancel)
	d.Register("history", "history - show recent messages.", s.handleHistory)
	d.Register("report", "report <username> - report a user for misbehaviour.", s.handleReport)

	return d
}

func (s *Server) handleHelp(req *Request) (protocol.Update, error) {
	text := "[SERVER] Possible commands:\n" + strings.Join(s.dispatcher.Help(), "\n")
	return protocol.OK(req.Session.Username(), text), nil
}

func (s *Server) handleExit(req *Request) (protocol.Update, error) {
	farewell := fmt.Sprintf("[SERVER] Bye, %s!", req.Session.Username())
	return protocol.OK(req.Session.Username(), farewell), ErrClientDisconnecting
}

func (s *Server) handleRename(req *Request) (protocol.Update, error) {
	me := req.Session.Username()

	args, err := protocol.ParseRenameArgs(req.Data)
	if err != nil {
		return protocol.Error(me, "Username must be 3-15 characters without whitespace."), nil
	}

	if err := s.sessions.Rename(req.Session, args.Username); err != nil {
		return protocol.Error(me, fmt.Sprintf("User with name %q already exists.", args.Username)), nil
	}

	req.Logger.Info("session renamed", "from", me, "to", args.Username)
	return protocol.OK(args.Username, fmt.Sprintf("[SERVER] Your username changed to %q.", args.Username)), nil
}

func (s *Server) handleUsers(req *Request) (protocol.Update, error) {
	names := lo.Map(s.sessions.All(), func(sess *Session, _ int) string {
		return "[" + sess.Username() + "]"
	})
	text := "[SERVER] Active users: " + strings.Join(names, " ")
	return protocol.OK(req.Session.Username(), text), nil
}

func (s *Server) handleSend(req *Request) (protocol.Update, error) {
	me := req.Session.Username()

	// The ban gate comes first; a banned sender's arguments are not even
	// parsed into a message.
	if req.Session.IsBanned() {
		return protocol.Error(me, "You are banned and cannot send messages."), nil
	}

	args, err := protocol.ParseSendArgs(req.Data)
	switch {
	case errors.Is(err, protocol.ErrInvalidDelay):
		return protocol.Error(me, "Delay must be a non-negative integer."), nil
	case errors.Is(err, protocol.ErrOptionSyntax):
		return protocol.Error(me, err.Error()), nil
	case err != nil:
		return protocol.Error(me, "Message text must not be empty."), nil
	}

	if limit := s.config.Messages.MaxLength; limit > 0 && len(args.Text) > limit {
		return protocol.Error(me, fmt.Sprintf("Message text must be at most %d characters.", limit)), nil
	}

	var target *Session
	if args.Username != "" {
		target, err = s.sessions.Get(args.Username)
		if err != nil {
			return protocol.Error(me, fmt.Sprintf("User with name %q does not exist.", args.Username)), nil
		}
	}

	delay := time.Duration(args.DelaySeconds) * time.Second
	if _, err := s.scheduler.Schedule(req.Session, target, args.Text, delay); err != nil {
		return protocol.Error(me, "You already have a scheduled message. Cancel it first."), nil
	}

	switch {
	case delay > 0:
		return protocol.OK(me, fmt.Sprintf("[SERVER] Message %q will be sent in %d seconds.", args.Text, args.DelaySeconds)), nil
	case target != nil:
		return protocol.OK(me, fmt.Sprintf("[SERVER] Your message was sent to %q.", args.Username)), nil
	default:
		return protocol.OK(me, "[SERVER] Your message was sent to all users."), nil
	}
}

func (s *Server) handleCancel(req *Request) (protocol.Update, error) {
	me := req.Session.Username()

	msg, err := s.scheduler.Cancel(req.Session)
	if err != nil {
		return protocol.Error(me, "You have no scheduled messages."), nil
	}
	return protocol.OK(me, fmt.Sprintf("[SERVER] Scheduled message %q has been cancelled.", msg.Text)), nil
}

func (s *Server) handleHistory(req *Request) (protocol.Update, error) {
	me := req.Session.Username()

	entries, err := s.history.Recent(me, protocol.Broadcast, time.Now())
	if err != nil {
		req.Logger.Error("history query failed", "error", err)
		return protocol.Error(me, "History is unavailable right now."), nil
	}
	if len(entries) == 0 {
		return protocol.OK(me, "[SERVER] Message history is empty."), nil
	}

	lines := lo.Map(entries, func(e database.Entry, _ int) string {
		if e.Target == protocol.Broadcast {
			return fmt.Sprintf("[%s] %s", e.Sender, e.Body)
		}
		return fmt.Sprintf("[%s -> %s] %s", e.Sender, e.Target, e.Body)
	})
	return protocol.OK(me, strings.Join(lines, "\n")), nil
}

func (s *Server) handleReport(req *Request) (protocol.Update, error) {
	me := req.Session.Username()

	args, err := protocol.ParseReportArgs(req.Data)
	if err != nil {
		return protocol.Error(me, "Report requires a username."), nil
	}

	target, err := s.sessions.Get(args.Username)
	if err != nil {
		return protocol.Error(me, fmt.Sprintf("User with name %q does not exist.", args.Username)), nil
	}

	_, err = s.moderator.Report(req.Session, target)
	switch {
	case errors.Is(err, ErrSelfReport):
		return protocol.Error(me, "You cannot report yourself."), nil
	case errors.Is(err, ErrAlreadyReported):
		return protocol.Error(me, fmt.Sprintf("You already reported %q.", args.Username)), nil
	case err != nil:
		return protocol.Error(me, "Report failed."), nil
	}

	// The reported user learns who reported them; the reporter gets the
	// confirmation as this handler's update.
	notice := fmt.Sprintf("[SERVER] User %q reported you.", me)
	if err := target.SendUpdate(protocol.OK(target.Username(), notice)); err != nil {
		req.Logger.Debug("report notice not delivered", "target", target.ID, "error", err)
	}

	return protocol.OK(me, fmt.Sprintf("[SERVER] You reported user %q.", args.Username)), nil
}

func (s *Server) handleUnknown(req *Request) (protocol.Update, error) {
	return protocol.Error(req.Session.Username(),
		fmt.Sprintf("%q is an unknown command. Try \"help\".", req.Command)), nil
}
