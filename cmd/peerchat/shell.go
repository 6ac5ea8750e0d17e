package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
	"peerchat/internal/models"
	"peerchat/internal/service"
	"peerchat/internal/validation"
)

// CommandKind identifies a parsed shell line.
type CommandKind int

const (
	CmdEmpty CommandKind = iota
	CmdSend
	CmdConnect
	CmdDisconnect
	CmdSchedule
	CmdMyPort
	CmdHistory
	CmdSubscribe
	CmdPublish
	CmdTopics
	CmdListeners
	CmdHelp
	CmdQuit
)

const (
	usageConnect   = "connect <host> <port> [nickname]"
	usageSchedule  = "schedule <host> <port> <nickname> <YYYY-MM-DD HH:MM:SS> <message>"
	usageHistory   = "history [peer]"
	usageSubscribe = "subscribe <topic>"
	usagePublish   = "publish <topic> <message>"
	usageListeners = "listeners <topic>"
	shellPrompt    = ">> "
)

const helpText = `Commands:
  connect <host> <port> [nickname]   - Connect to a peer and resend pending messages
  disconnect                         - Disconnect from the current peer
  schedule <host> <port> <nickname> <YYYY-MM-DD HH:MM:SS> <message>
                                     - Schedule a message for future delivery
  myport                             - Show this peer's listening port
  history [peer]                     - Show recent messages
  subscribe <topic>                  - Subscribe to a topic
  publish <topic> <message>          - Publish a message to a topic
  topics                             - List active topics
  listeners <topic>                  - Show the subscriber count of a topic
  help                               - Show this help
  quit                               - Exit
Once connected, type a message and press Enter to send it.`

// Command is one parsed shell line.
type Command struct {
	Kind     CommandKind
	Target   models.Target
	Nickname string
	Topic    string
	DueAt    time.Time
	Body     string
}

// ParseCommand turns a shell line into a Command. Lines that do not start
// with a known command word are messages for the current peer. Schedule
// times are interpreted in loc.
func ParseCommand(line string, loc *time.Location) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Kind: CmdEmpty}, nil
	}

	word, rest := splitArgs(line, 1)
	switch strings.ToLower(word[0]) {
	case "connect":
		args, extra := splitArgs(rest, 3)
		if len(args) < 2 || extra != "" {
			return Command{}, usageError(usageConnect)
		}
		target, err := parseTarget(args[0], args[1])
		if err != nil {
			return Command{}, err
		}
		cmd := Command{Kind: CmdConnect, Target: target}
		if len(args) == 3 {
			if err := validation.ValidateNickname(args[2]); err != nil {
				return Command{}, err
			}
			cmd.Nickname = args[2]
		}
		return cmd, nil

	case "schedule":
		args, body := splitArgs(rest, 5)
		if len(args) < 5 || body == "" {
			return Command{}, usageError(usageSchedule)
		}
		target, err := parseTarget(args[0], args[1])
		if err != nil {
			return Command{}, err
		}
		if err := validation.ValidateNickname(args[2]); err != nil {
			return Command{}, err
		}
		due, err := validation.ParseScheduleTime(args[3]+" "+args[4], loc)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdSchedule, Target: target, Nickname: args[2], DueAt: due, Body: body}, nil

	case "history":
		args, extra := splitArgs(rest, 1)
		if extra != "" {
			return Command{}, usageError(usageHistory)
		}
		cmd := Command{Kind: CmdHistory}
		if len(args) == 1 {
			cmd.Nickname = args[0]
		}
		return cmd, nil

	case "subscribe", "listeners":
		args, extra := splitArgs(rest, 1)
		kind, usage := CmdSubscribe, usageSubscribe
		if strings.EqualFold(word[0], "listeners") {
			kind, usage = CmdListeners, usageListeners
		}
		if len(args) != 1 || extra != "" {
			return Command{}, usageError(usage)
		}
		if err := validation.ValidateTopic(args[0]); err != nil {
			return Command{}, err
		}
		return Command{Kind: kind, Topic: args[0]}, nil

	case "publish":
		args, body := splitArgs(rest, 1)
		if len(args) != 1 || body == "" {
			return Command{}, usageError(usagePublish)
		}
		if err := validation.ValidateTopic(args[0]); err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdPublish, Topic: args[0], Body: body}, nil

	case "disconnect":
		return noArgs(CmdDisconnect, rest, "disconnect")
	case "myport":
		return noArgs(CmdMyPort, rest, "myport")
	case "topics":
		return noArgs(CmdTopics, rest, "topics")
	case "help":
		return noArgs(CmdHelp, rest, "help")
	case "quit", "exit":
		return noArgs(CmdQuit, rest, "quit")
	}

	return Command{Kind: CmdSend, Body: line}, nil
}

func noArgs(kind CommandKind, rest, usage string) (Command, error) {
	if rest != "" {
		return Command{}, usageError(usage)
	}
	return Command{Kind: kind}, nil
}

func usageError(usage string) error {
	return apperrors.New(apperrors.ErrCodeInvalidInput, "usage: "+usage)
}

func parseTarget(host, port string) (models.Target, error) {
	n, err := strconv.Atoi(port)
	if err != nil {
		return models.Target{}, apperrors.NewValidationError("port", "must be a number")
	}
	target := models.Target{Host: host, Port: n}
	if err := validation.ValidateTarget(target); err != nil {
		return models.Target{}, err
	}
	return target, nil
}

// splitArgs returns up to n whitespace separated words and the untouched
// remainder of s.
func splitArgs(s string, n int) ([]string, string) {
	var args []string
	rest := strings.TrimSpace(s)
	for len(args) < n && rest != "" {
		i := strings.IndexFunc(rest, unicode.IsSpace)
		if i < 0 {
			args = append(args, rest)
			return args, ""
		}
		args = append(args, rest[:i])
		rest = strings.TrimLeftFunc(rest[i:], unicode.IsSpace)
	}
	return args, rest
}

// TopicService is the pub/sub surface the shell drives.
type TopicService interface {
	Publish(ctx context.Context, topic, message string) (int64, error)
	Subscribe(ctx context.Context, topic string) error
	Topics(ctx context.Context) ([]string, error)
	Listeners(ctx context.Context, topic string) (int64, error)
}

// Shell is the interactive front end.
type Shell struct {
	out   io.Writer
	outMu sync.Mutex
	loc   *time.Location

	lines    chan string
	readOnce sync.Once
	in       io.Reader
	done     chan struct{}
}

func NewShell(in io.Reader, out io.Writer, loc *time.Location) *Shell {
	if loc == nil {
		loc = time.Local
	}
	return &Shell{
		in:    in,
		out:   out,
		loc:   loc,
		lines: make(chan string),
		done:  make(chan struct{}),
	}
}

func (s *Shell) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) startReader() {
	s.readOnce.Do(func() {
		go func() {
			defer close(s.lines)
			scanner := bufio.NewScanner(s.in)
			for scanner.Scan() {
				select {
				case s.lines <- scanner.Text():
				case <-s.done:
					return
				}
			}
		}()
	})
}

// readLine returns the next input line. ok is false at end of input.
func (s *Shell) readLine(ctx context.Context) (string, bool) {
	s.startReader()
	select {
	case line, ok := <-s.lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}

// Prompt asks question and returns the trimmed answer.
func (s *Shell) Prompt(ctx context.Context, question string) (string, error) {
	s.printf("%s", question)
	line, ok := s.readLine(ctx)
	if !ok {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "no input")
	}
	return strings.TrimSpace(line), nil
}

// Close stops the input reader.
func (s *Shell) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Run reads commands until quit, end of input or ctx is done. Inbound
// messages are printed as they arrive. topics may be nil when pub/sub is
// disabled.
func (s *Shell) Run(ctx context.Context, node *service.Node, topics TopicService) error {
	events, unsubscribe := node.Events().Subscribe()
	defer unsubscribe()

	go s.printEvents(events)

	s.printf("%s\n", helpText)
	for {
		s.printf("%s", shellPrompt)
		line, ok := s.readLine(ctx)
		if !ok {
			s.printf("\nExiting...\n")
			return nil
		}

		cmd, err := ParseCommand(line, s.loc)
		if err != nil {
			s.printf("%s\n", userMessage(err))
			continue
		}

		quit, err := s.Execute(ctx, node, topics, cmd)
		if err != nil {
			s.printf("%s\n", userMessage(err))
		}
		if quit {
			s.printf("Exiting...\n")
			return nil
		}
	}
}

func (s *Shell) printEvents(events <-chan service.Event) {
	for e := range events {
		if e.Kind != service.EventReceived {
			continue
		}
		if e.Topic != "" {
			s.printf("\n[%s] %s: %s\n%s", e.Topic, e.Sender, e.Body, shellPrompt)
		} else {
			s.printf("\n[P2P] Message from %s: %s\n%s", e.Sender, e.Body, shellPrompt)
		}
	}
}

// Execute runs one command and reports whether the shell should exit.
func (s *Shell) Execute(ctx context.Context, node *service.Node, topics TopicService, cmd Command) (bool, error) {
	switch cmd.Kind {
	case CmdEmpty:
		return false, nil

	case CmdQuit:
		return true, nil

	case CmdHelp:
		s.printf("%s\n", helpText)

	case CmdMyPort:
		s.printf("My port is: %d\n", node.Port())

	case CmdConnect:
		nickname := cmd.Nickname
		if nickname == "" {
			answer, err := s.Prompt(ctx, "Enter target's nickname: ")
			if err != nil {
				return false, err
			}
			nickname = answer
		}
		report, err := node.Connect(ctx, cmd.Target, nickname)
		if err != nil {
			return false, err
		}
		s.printf("Connected to %s (%s). Now type your messages directly.\n", cmd.Target, nickname)
		if report.Attempted > 0 {
			s.printf("Resent %d pending message(s): %d delivered, %d failed.\n", report.Attempted, report.Delivered, report.Failed)
		}

	case CmdDisconnect:
		if _, ok := node.Disconnect(); ok {
			s.printf("Disconnected from the current peer.\n")
		} else {
			s.printf("Not connected to a peer.\n")
		}

	case CmdSend:
		peer, ok := node.Current()
		if !ok {
			s.printf("No active connection. Use '%s' to connect to a peer.\n", usageConnect)
			return false, nil
		}
		result, err := node.SendToCurrent(ctx, cmd.Body)
		if err != nil {
			return false, err
		}
		if result.Delivered() {
			s.printf("Message delivered to %s\n", peer.Nickname)
		} else {
			s.printf("Message delivery failed: %s. It will be resent on the next connect.\n", userMessage(result.Err))
		}

	case CmdSchedule:
		id, err := node.Schedule(ctx, service.ScheduleRequest{
			Target:   cmd.Target,
			Receiver: cmd.Nickname,
			DueAt:    cmd.DueAt,
			Body:     cmd.Body,
		})
		if err != nil {
			return false, err
		}
		s.printf("Scheduled message %d for %s at %s\n", id, cmd.Nickname, cmd.DueAt.Format(constants.ScheduleTimeLayout))

	case CmdHistory:
		msgs, err := node.History(ctx, models.MessageFilter{Peer: cmd.Nickname, Limit: constants.DefaultHistoryLimit})
		if err != nil {
			return false, err
		}
		if len(msgs) == 0 {
			s.printf("No messages.\n")
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			s.printf("[%s] %s -> %s (%s): %s\n", m.CreatedAt.Format(constants.ScheduleTimeLayout), m.Sender, m.Receiver, m.Status, m.Body)
		}

	case CmdSubscribe, CmdPublish, CmdTopics, CmdListeners:
		if topics == nil {
			s.printf("Pub/sub is not enabled.\n")
			return false, nil
		}
		return false, s.executeTopic(ctx, topics, cmd)
	}

	return false, nil
}

func (s *Shell) executeTopic(ctx context.Context, topics TopicService, cmd Command) error {
	switch cmd.Kind {
	case CmdSubscribe:
		if err := topics.Subscribe(ctx, cmd.Topic); err != nil {
			return err
		}
		s.printf("Subscribed to topic: %s\n", cmd.Topic)

	case CmdPublish:
		if _, err := topics.Publish(ctx, cmd.Topic, cmd.Body); err != nil {
			return err
		}
		s.printf("Published message to %s\n", cmd.Topic)

	case CmdTopics:
		list, err := topics.Topics(ctx)
		if err != nil {
			return err
		}
		s.printf("Active topics:\n")
		for _, topic := range list {
			s.printf(" - %s\n", topic)
		}

	case CmdListeners:
		n, err := topics.Listeners(ctx, cmd.Topic)
		if err != nil {
			return err
		}
		s.printf("Subscribers on %s: %d\n", cmd.Topic, n)
	}
	return nil
}

// userMessage strips the error code prefix for display.
func userMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Cause != nil {
			return appErr.Message + ": " + appErr.Cause.Error()
		}
		return appErr.Message
	}
	return err.Error()
}
