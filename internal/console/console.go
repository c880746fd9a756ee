// Package console is the interactive operator surface: a readline prompt
// driving the transport, the mixer and the cast link.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/cast"
	"github.com/satindergrewal/stagesplit/internal/logging"
	"github.com/satindergrewal/stagesplit/internal/transport"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
	errQuit           = errors.New("quit")
)

// Engine is the transport surface the console drives.
type Engine interface {
	Load(ctx context.Context, path string) error
	Start() error
	Pause() error
	Stop() error
	Seek(offset float64) error
	SetGain(i int, v float64) (float64, error)
	ResetGain(i int) error
	Report(err error)
	Snapshot() transport.Snapshot
}

// Cast is the cast controller surface the console drives.
type Cast interface {
	Connect(ctx context.Context) error
	Disconnect()
	SetOffset(ms int) int
	Nudge(steps int) int
	ResetOffset() int
	Link() cast.Link
}

// Command is one parsed console line.
type Command struct {
	Name string
	Args []string
}

var commands = []string{
	"load", "play", "pause", "stop", "seek", "gain", "reset",
	"cast", "offset", "nudge", "status", "help", "quit",
}

var aliases = map[string]string{
	"p":    "play",
	"s":    "stop",
	"st":   "status",
	"?":    "help",
	"q":    "quit",
	"exit": "quit",
}

// Parse splits a console line into a command. Blank lines give a zero
// Command and no error.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, nil
	}
	name := strings.ToLower(fields[0])
	if a, ok := aliases[name]; ok {
		name = a
	}
	for _, c := range commands {
		if c == name {
			return Command{Name: name, Args: fields[1:]}, nil
		}
	}
	return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
}

// Console executes commands against the engine and the cast controller.
type Console struct {
	eng    Engine
	cast   Cast
	out    io.Writer
	logger zerolog.Logger
}

// New creates a console writing to out.
func New(eng Engine, c Cast, out io.Writer, logger zerolog.Logger) *Console {
	return &Console{
		eng:    eng,
		cast:   c,
		out:    out,
		logger: logging.Component(logger, "console"),
	}
}

// Exec runs one line.
func (c *Console) Exec(ctx context.Context, line string) error {
	cmd, err := Parse(line)
	if err != nil || cmd.Name == "" {
		return err
	}

	switch cmd.Name {
	case "load":
		if len(cmd.Args) == 0 {
			return fmt.Errorf("%w: load <file>", ErrUsage)
		}
		path := strings.Join(cmd.Args, " ")
		if err := c.eng.Load(ctx, path); err != nil {
			return err
		}
		c.printStatus()
	case "play":
		return c.eng.Start()
	case "pause":
		return c.eng.Pause()
	case "stop":
		return c.eng.Stop()
	case "seek":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("%w: seek <seconds>", ErrUsage)
		}
		v, err := strconv.ParseFloat(cmd.Args[0], 64)
		if err != nil {
			return fmt.Errorf("%w: seek <seconds>", ErrUsage)
		}
		return c.eng.Seek(v)
	case "gain":
		i, v, err := parseGain(cmd.Args)
		if err != nil {
			return err
		}
		applied, err := c.eng.SetGain(i, v)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "stem %d gain %.2f\n", i+1, applied)
	case "reset":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("%w: reset <stem>", ErrUsage)
		}
		i, err := parseStem(cmd.Args[0])
		if err != nil {
			return err
		}
		return c.eng.ResetGain(i)
	case "cast":
		return c.execCast(ctx, cmd.Args)
	case "offset":
		return c.execOffset(cmd.Args)
	case "nudge":
		if len(cmd.Args) != 1 {
			return fmt.Errorf("%w: nudge +|-|<steps>", ErrUsage)
		}
		steps, err := parseSteps(cmd.Args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "sync offset %+d ms\n", c.cast.Nudge(steps))
	case "status":
		c.printStatus()
	case "help":
		fmt.Fprintln(c.out, helpText)
	case "quit":
		return errQuit
	}
	return nil
}

func (c *Console) execCast(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: cast on|off", ErrUsage)
	}
	switch args[0] {
	case "on", "connect":
		fmt.Fprintln(c.out, "waiting for cast receiver...")
		go func() {
			if err := c.cast.Connect(ctx); err != nil {
				c.eng.Report(err)
				fmt.Fprintf(c.out, "cast: %v\n", err)
			}
		}()
	case "off", "disconnect":
		c.cast.Disconnect()
	default:
		return fmt.Errorf("%w: cast on|off", ErrUsage)
	}
	return nil
}

func (c *Console) execOffset(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: offset <ms>|reset", ErrUsage)
	}
	var applied int
	if args[0] == "reset" {
		applied = c.cast.ResetOffset()
	} else {
		ms, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%w: offset <ms>|reset", ErrUsage)
		}
		applied = c.cast.SetOffset(ms)
	}
	fmt.Fprintf(c.out, "sync offset %+d ms\n", applied)
	return nil
}

func (c *Console) printStatus() {
	fmt.Fprintln(c.out, RenderStatus(c.eng.Snapshot(), c.cast.Link(), barWidth))
}

// Stems are numbered from 1 at the prompt.
func parseStem(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: stem numbers start at 1", ErrUsage)
	}
	return n - 1, nil
}

func parseGain(args []string) (int, float64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("%w: gain <stem> <0-2>", ErrUsage)
	}
	i, err := parseStem(args[0])
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: gain <stem> <0-2>", ErrUsage)
	}
	return i, v, nil
}

func parseSteps(s string) (int, error) {
	switch s {
	case "+":
		return 1, nil
	case "-":
		return -1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: nudge +|-|<steps>", ErrUsage)
	}
	return n, nil
}

const helpText = `commands:
  load <file>         open a stem container
  play | pause | stop
  seek <seconds>
  gain <stem> <0-2>   reset <stem>
  cast on|off
  offset <ms>|reset   nudge +|-|<steps>   (50 ms steps, ±500 ms)
  status | help | quit`

// Run reads commands until ctx is done, the user quits or input ends.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "stagesplit> ",
		AutoComplete: completer(),
	})
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	fmt.Fprintln(c.out, "type help for commands")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			// EOF or closed
			return nil
		}
		err = c.Exec(ctx, line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("line", line).Msg("command failed")
			fmt.Fprintln(c.out, errorStyle.Render(err.Error()))
		}
	}
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, name := range commands {
		switch name {
		case "load":
			items = append(items, readline.PcItem(name, readline.PcItemDynamic(listFiles)))
		case "cast":
			items = append(items, readline.PcItem(name, readline.PcItem("on"), readline.PcItem("off")))
		case "offset":
			items = append(items, readline.PcItem(name, readline.PcItem("reset")))
		default:
			items = append(items, readline.PcItem(name))
		}
	}
	return readline.NewPrefixCompleter(items...)
}

// listFiles completes the path typed after "load".
func listFiles(line string) []string {
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "load"))
	dir := filepath.Dir(arg)
	if arg == "" || strings.HasSuffix(arg, string(filepath.Separator)) {
		dir = arg
	}
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := filepath.Join(dir, e.Name())
		if dir == "." && !strings.HasPrefix(arg, ".") {
			name = e.Name()
		}
		if e.IsDir() {
			name += string(filepath.Separator)
		}
		out = append(out, name)
	}
	return out
}
