package client

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

	"github.com/mcdev12/duelsync/go/internal/duel/events"
	"github.com/mcdev12/duelsync/go/internal/duel/gateway"
	"github.com/mcdev12/duelsync/go/internal/duel/matchsync"
)

// ErrQuit is returned by Execute for the quit command
var ErrQuit = errors.New("quit")

const helpText = `commands:
  find [subject]           look for an opponent
  cancel                   stop looking
  answer <choice>          answer the current question (choices start at 0)
  leave                    forfeit the current match
  invite <user> [subject]  invite a player
  accept|decline <invite>  respond to an invite
  queue                    list answers waiting for the connection
  drop <n>                 remove queued answer n
  undo                     restore the last dropped answer
  status                   connection and match status
  connect | disconnect
  quit`

type dropped struct {
	index      int
	submission events.Submission
}

// Console is the terminal view: it is the synchronizer's navigator, the
// connection manager's notifier, and the command interpreter
type Console struct {
	mu  sync.Mutex
	out io.Writer

	manager  *gateway.ConnectionManager
	match    *matchsync.Synchronizer
	lastDrop *dropped
}

// NewConsole creates a console writing to out
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) bind(manager *gateway.ConnectionManager, match *matchsync.Synchronizer) {
	c.manager = manager
	c.match = match
	match.Subscribe(c.onChange)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Ready is always true: the terminal is mounted as soon as the client runs
func (c *Console) Ready() bool { return true }

// Navigate prints the terminal screen for dest
func (c *Console) Navigate(dest matchsync.Destination, results *matchsync.Results) {
	if dest == matchsync.DestinationHome || results == nil {
		c.printf("== back home ==")
		return
	}
	verdict := "you lost"
	switch {
	case results.Won:
		verdict = "you won"
	case results.WinnerID == nil:
		verdict = "draw"
	}
	c.printf("== results: %s ==", verdict)
	for _, p := range results.Players {
		c.printf("  %-16s %d", p.Username, p.Score)
	}
}

// Notify prints a transient notification
func (c *Console) Notify(kind gateway.NoticeKind, message string) {
	c.printf("[%s] %s", kind, message)
}

func (c *Console) onChange(change matchsync.Change) {
	switch change.Kind {
	case matchsync.ChangeMatch:
		if m := c.match.Match(); m != nil && m.Status == matchsync.MatchPending {
			c.printf("match %s found: %s", m.ID, versus(m))
		}
	case matchsync.ChangeQuestion:
		q, idx, ok := c.match.CurrentQuestion()
		if !ok {
			return
		}
		if q.CorrectIndex != matchsync.UnknownCorrectIndex {
			c.printf("question %d closed, answer was %d", idx, q.CorrectIndex)
			return
		}
		c.printf("question %d: %s", idx, q.Text)
		for i, choice := range q.Choices {
			c.printf("  [%d] %s", i, choice)
		}
	}
}

// Run executes commands from in until EOF, quit or ctx is done
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		reply, err := c.Execute(ctx, scanner.Text())
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			c.printf("error: %v", err)
			continue
		}
		if reply != "" {
			c.printf("%s", reply)
		}
	}
	return scanner.Err()
}

// Execute runs one command line and returns what to print
func (c *Console) Execute(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		return helpText, nil
	case "quit", "exit":
		return "", ErrQuit
	case "find":
		if err := c.match.FindOpponent(ctx, strings.Join(args, " ")); err != nil {
			return "", err
		}
		return "searching...", nil
	case "cancel":
		return "search cancelled", c.match.CancelSearch(ctx)
	case "answer":
		return c.answer(ctx, args)
	case "leave":
		return "left the match", c.match.LeaveMatch(ctx)
	case "invite":
		if len(args) == 0 {
			return "", errors.New("usage: invite <user> [subject]")
		}
		err := c.manager.InvitePlayer(ctx, args[0], strings.Join(args[1:], " "), func(ack events.InviteAck) {
			if ack.OK {
				c.printf("invite %s sent to %s", ack.InviteID, ack.TargetUsername)
			}
		})
		return "", err
	case "accept", "decline":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: %s <invite>", cmd)
		}
		return "", c.manager.RespondInvite(ctx, args[0], cmd == "accept", nil)
	case "queue":
		return c.queue(ctx)
	case "drop":
		return c.drop(ctx, args)
	case "undo":
		return c.undo(ctx)
	case "status":
		return c.status(), nil
	case "connect":
		return "", c.manager.Connect(ctx)
	case "disconnect":
		c.manager.Disconnect()
		return "disconnected", nil
	default:
		return "", fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (c *Console) answer(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: answer <choice>")
	}
	choice, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("choice must be a number: %w", err)
	}
	_, idx, ok := c.match.CurrentQuestion()
	if !ok {
		return "", errors.New("no question is open")
	}
	outcome, err := c.match.SubmitAnswer(ctx, idx, choice)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("answer %d: %s", choice, outcome), nil
}

func (c *Console) queue(ctx context.Context) (string, error) {
	items, err := c.manager.QueueList(ctx)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "offline queue is empty", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d queued answer(s):", len(items))
	for i, s := range items {
		fmt.Fprintf(&b, "\n  %d. match %s question %d answer %d", i, s.MatchID, s.QuestionIndex, s.AnswerIndex)
	}
	return b.String(), nil
}

func (c *Console) drop(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: drop <n>")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("index must be a number: %w", err)
	}
	s, err := c.manager.RemoveQueued(ctx, index)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.lastDrop = &dropped{index: index, submission: s}
	c.mu.Unlock()
	return fmt.Sprintf("dropped queued answer %d, undo to restore", index), nil
}

func (c *Console) undo(ctx context.Context) (string, error) {
	c.mu.Lock()
	last := c.lastDrop
	c.lastDrop = nil
	c.mu.Unlock()
	if last == nil {
		return "", errors.New("nothing to undo")
	}
	if err := c.manager.InsertQueued(ctx, last.index, last.submission); err != nil {
		return "", err
	}
	return fmt.Sprintf("restored queued answer %d", last.index), nil
}

func (c *Console) status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "connection: %s", c.manager.Status())
	if retry := c.manager.NextRetryIn(); retry > 0 {
		fmt.Fprintf(&b, " (retry %d in %s)", c.manager.ReconnectAttempts(), retry.Round(100*time.Millisecond))
	}
	if msg := c.match.StatusMessage(); msg != "" {
		fmt.Fprintf(&b, "\nmatch: %s", msg)
	}
	if m := c.match.Match(); m != nil {
		fmt.Fprintf(&b, "\nscore: %s", versus(m))
		if m.Status == matchsync.MatchActive {
			fmt.Fprintf(&b, "\nidle: %ds", c.match.IdleRemaining())
		}
	}
	return b.String()
}

func versus(m *matchsync.Match) string {
	parts := make([]string, 0, len(m.Players))
	for _, p := range m.Players {
		parts = append(parts, fmt.Sprintf("%s (%d)", p.Username, p.Score))
	}
	return strings.Join(parts, " vs ")
}
