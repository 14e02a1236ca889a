// Package shell is a line-oriented driver for the storefront stores. Each
// line is one user intent; the outcome is printed before the next prompt.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"storefront/app"
	"storefront/notify"
)

var errQuit = errors.New("quit")

type command struct {
	usage string
	help  string
	run   func(s *Shell, ctx context.Context, args []string) error
}

type Shell struct {
	app      *app.App
	out      io.Writer
	mu       sync.Mutex // guards out
	prompt   string
	notify   bool
	commands map[string]command
}

type Option func(*Shell)

// WithPrompt sets the prompt printed before each line; "" prints none.
func WithPrompt(p string) Option {
	return func(s *Shell) { s.prompt = p }
}

// WithNotifications prints hub notifications as they arrive.
func WithNotifications() Option {
	return func(s *Shell) { s.notify = true }
}

func New(a *app.App, opts ...Option) *Shell {
	s := &Shell{app: a, prompt: "> ", commands: commands()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads commands from in until EOF, quit, or ctx ends.
func (s *Shell) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	if s.notify {
		client := s.app.Hub.Subscribe(32)
		defer s.app.Hub.Unsubscribe(client)
		go s.printNotifications(client)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	s.printPrompt()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			if err := s.Exec(ctx, line); errors.Is(err, errQuit) {
				return nil
			}
			s.printPrompt()
		}
	}
}

// Exec runs one command line. Failures are printed, not returned; only quit
// comes back as an error.
func (s *Shell) Exec(ctx context.Context, line string) error {
	args, err := split(line)
	if err != nil {
		s.printf("error: %v\n", err)
		return nil
	}
	if len(args) == 0 {
		return nil
	}
	name := strings.ToLower(args[0])
	cmd, ok := s.commands[name]
	if !ok {
		s.printf("unknown command %q, try help\n", name)
		return nil
	}
	if err := cmd.run(s, ctx, args[1:]); err != nil {
		if errors.Is(err, errQuit) {
			return err
		}
		s.printf("error: %s\n", message(err))
	}
	return nil
}

func (s *Shell) printNotifications(c *notify.Client) {
	for n := range c.Send {
		s.printf("[%s] %s\n", n.Level, n.Message)
	}
}

func (s *Shell) printPrompt() {
	if s.prompt != "" {
		s.printf("%s", s.prompt)
	}
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// locked runs fn with exclusive use of the output.
func (s *Shell) locked(fn func(w io.Writer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.out)
}

func (s *Shell) help() {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	s.locked(func(w io.Writer) {
		for _, name := range names {
			c := s.commands[name]
			fmt.Fprintf(w, "  %-42s %s\n", c.usage, c.help)
		}
	})
}

// split breaks a line into words; double quotes group words.
func split(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quoted  bool
		pending bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			pending = true
		case !quoted && (r == ' ' || r == '\t'):
			if pending {
				args = append(args, cur.String())
				cur.Reset()
				pending = false
			}
		default:
			cur.WriteRune(r)
			pending = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if pending {
		args = append(args, cur.String())
	}
	return args, nil
}

// keyValues parses key=value words. Bare words are collected separately.
func keyValues(args []string) (map[string]string, []string) {
	kv := make(map[string]string)
	var bare []string
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok && k != "" {
			kv[strings.ToLower(k)] = v
			continue
		}
		bare = append(bare, a)
	}
	return kv, bare
}
