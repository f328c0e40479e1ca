package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/powerbot/powerbot/backup"
	"github.com/powerbot/powerbot/config"
)

// The console tolerates a run of failing commands before pausing briefly
// and resetting its counter, so a wedged command cannot spin the loop.
const (
	maxConsecutiveErrors = 10
	errorPause           = 2 * time.Second
)

// Console is the interactive supervisor REPL.
type Console struct {
	manager  *Manager
	toggles  *config.Toggles
	autosave *config.Autosave
	livefeed *config.Livefeed
	backup   *backup.Service

	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewConsole wires the REPL. backupSvc may be nil when the mirror is not
// configured; backup data commands then answer with an explanation.
func NewConsole(manager *Manager, toggles *config.Toggles, autosave *config.Autosave, livefeed *config.Livefeed, backupSvc *backup.Service, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		manager:  manager,
		toggles:  toggles,
		autosave: autosave,
		livefeed: livefeed,
		backup:   backupSvc,
		in:       in,
		out:      out,
		logger:   logger.With("component", "console"),
	}
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

// PrintWorkerLine is the manager sink: classified worker output rendered
// into the shared console.
func (c *Console) PrintWorkerLine(kind Kind, level Level, text string) {
	c.printf("[%s/%s] %s", kind, level, text)
}

// Run reads commands until EOF or context cancellation. EOF is a clean
// exit.
func (c *Console) Run(ctx context.Context) error {
	c.printf("powerbot console, type 'help' for commands")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			quit, err := c.dispatch(ctx, line)
			if quit {
				return nil
			}
			if err != nil {
				consecutiveErrors++
				c.printf("error: %v", err)
				if consecutiveErrors >= maxConsecutiveErrors {
					c.printf("too many consecutive errors, pausing")
					time.Sleep(errorPause)
					consecutiveErrors = 0
				}
				continue
			}
			consecutiveErrors = 0
		}
	}
}

// dispatch runs one command line; quit=true ends the loop.
func (c *Console) dispatch(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	noun := strings.ToLower(fields[0])

	switch noun {
	case "exit", "quit":
		return true, nil
	case "help":
		c.printHelp()
		return false, nil
	case "status":
		for _, r := range c.manager.Status() {
			c.printf("%s", Describe(r))
		}
		return false, nil
	case "livefeed":
		return false, c.livefeedCommand(fields[1:])
	case "backup":
		if len(fields) > 1 {
			if handled, err := c.backupCommand(ctx, fields[1:]); handled {
				return false, err
			}
		}
	}

	if !ValidKind(noun) {
		return false, errors.Errorf("unknown command %q, try 'help'", noun)
	}
	return false, c.workerCommand(Kind(noun), fields[1:])
}

func (c *Console) workerCommand(kind Kind, args []string) error {
	// Bare worker name flips it, like the persisted-flag toggle verb.
	if len(args) == 0 {
		if err := c.manager.Toggle(kind); err != nil {
			return err
		}
		c.printf("%s toggled", kind)
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "start", "on", "true", "1":
		if err := c.manager.Start(kind); err != nil {
			return err
		}
		_ = c.toggles.SetEnabled(string(kind), true)
		c.printf("%s started", kind)
	case "stop", "off", "false", "0":
		if err := c.manager.Stop(kind); err != nil {
			return err
		}
		_ = c.toggles.SetEnabled(string(kind), false)
		c.printf("%s stopped", kind)
	case "status":
		for _, r := range c.manager.Status() {
			if r.Kind != kind {
				continue
			}
			c.printf("%s", Describe(r))
			c.printf("%-8s enabled=%v autorun=%v", kind,
				c.toggles.Enabled(string(kind)), c.toggles.Autorun(string(kind)))
		}
	case "restart":
		if err := c.manager.Stop(kind); err != nil {
			return err
		}
		if err := c.manager.Start(kind); err != nil {
			_ = c.toggles.SetEnabled(string(kind), false)
			return err
		}
		c.printf("%s restarted", kind)
	case "toggle":
		if err := c.manager.Toggle(kind); err != nil {
			return err
		}
		c.printf("%s toggled", kind)
	case "autorun":
		if len(args) > 1 {
			on := strings.EqualFold(args[1], "on") || strings.EqualFold(args[1], "true") || args[1] == "1"
			if err := c.toggles.SetAutorun(string(kind), on); err != nil {
				return err
			}
		} else if err := c.toggles.SetAutorun(string(kind), !c.toggles.Autorun(string(kind))); err != nil {
			return err
		}
		c.printf("%s autorun: %v", kind, c.toggles.Autorun(string(kind)))
	default:
		return errors.Errorf("unknown verb %q for worker %s", args[0], kind)
	}
	return nil
}

// backupCommand handles the data-level backup verbs; handled=false means
// the verb was a worker lifecycle verb and dispatch should fall through.
func (c *Console) backupCommand(ctx context.Context, args []string) (bool, error) {
	switch strings.ToLower(args[0]) {
	case "autosave":
		return true, c.autosaveCommand(ctx, args[1:])
	case "list":
		if c.backup == nil {
			c.printf("backup service unavailable")
			return true, nil
		}
		entries := c.backup.Snapshots().List()
		if len(entries) == 0 {
			c.printf("no snapshots")
			return true, nil
		}
		for i, e := range entries {
			status := "mirrored"
			if !e.MirrorOK {
				status = "local only"
			}
			c.printf("%d. %s  %s  %s", i, e.File, e.CreatedAt.Format(time.RFC3339), status)
		}
		return true, nil
	case "restore":
		if c.backup == nil {
			c.printf("backup service unavailable")
			return true, nil
		}
		if len(args) < 2 {
			return true, errors.New("usage: backup restore <index>")
		}
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return true, errors.New("index must be a number")
		}
		entry, err := c.backup.Restore(ctx, index)
		if err != nil {
			return true, err
		}
		c.printf("restored and re-mirrored as %s", entry.File)
		return true, nil
	case "delete":
		if c.backup == nil {
			c.printf("backup service unavailable")
			return true, nil
		}
		if len(args) < 2 {
			return true, errors.New("usage: backup delete <index>")
		}
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return true, errors.New("index must be a number")
		}
		if err := c.backup.Snapshots().Delete(index); err != nil {
			return true, err
		}
		c.printf("snapshot deleted")
		return true, nil
	case "sync":
		if c.backup == nil {
			c.printf("backup service unavailable")
			return true, nil
		}
		if err := c.backup.ReverseSync(ctx); err != nil {
			return true, err
		}
		c.printf("reverse sync complete, local database now matches the mirror")
		return true, nil
	case "clean":
		if c.backup == nil {
			c.printf("backup service unavailable")
			return true, nil
		}
		if err := c.backup.CleanRemote(ctx); err != nil {
			return true, err
		}
		c.printf("remote mirror cleaned")
		return true, nil
	case "health":
		if c.backup == nil {
			c.printf("backup service unavailable")
			return true, nil
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.backup.PingRemote(pingCtx)
		cancel()
		if err != nil {
			return true, err
		}
		c.printf("remote mirror reachable")
		return true, nil
	}
	return false, nil
}

func (c *Console) autosaveCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		c.printf("autosave: enabled=%v interval=%s", c.autosave.Enabled(), c.autosave.Interval())
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "on":
		return c.autosave.Set(true, c.autosave.Interval())
	case "off":
		return c.autosave.Set(false, c.autosave.Interval())
	case "interval":
		if len(args) < 2 {
			return errors.New("usage: backup autosave interval <seconds>")
		}
		sec, err := strconv.Atoi(args[1])
		if err != nil || sec <= 0 {
			return errors.New("interval must be a positive number of seconds")
		}
		return c.autosave.Set(c.autosave.Enabled(), time.Duration(sec)*time.Second)
	case "now":
		if c.backup == nil {
			c.printf("backup service unavailable")
			return nil
		}
		entry, err := c.backup.Autosave(ctx, "autosave")
		if err != nil {
			return err
		}
		c.printf("autosave complete: %s (mirror_ok=%v)", entry.File, entry.MirrorOK)
		return nil
	default:
		return errors.Errorf("unknown autosave verb %q", args[0])
	}
}

func (c *Console) livefeedCommand(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: livefeed list|add <ip>|remove <ip>")
	}
	switch strings.ToLower(args[0]) {
	case "list":
		ips := c.livefeed.List()
		if len(ips) == 0 {
			c.printf("whitelist empty (open access)")
			return nil
		}
		for _, ip := range ips {
			c.printf("%s", ip)
		}
		return nil
	case "add":
		if len(args) < 2 {
			return errors.New("usage: livefeed add <ip>")
		}
		if err := c.livefeed.Add(args[1]); err != nil {
			return err
		}
		c.printf("added %s", args[1])
		return nil
	case "remove":
		if len(args) < 2 {
			return errors.New("usage: livefeed remove <ip>")
		}
		if err := c.livefeed.Remove(args[1]); err != nil {
			return err
		}
		c.printf("removed %s", args[1])
		return nil
	default:
		return errors.Errorf("unknown livefeed verb %q", args[0])
	}
}

func (c *Console) printHelp() {
	c.printf("workers: %v", AllKinds)
	c.printf("  <worker>                  toggle")
	c.printf("  <worker> on|off|restart|status|autorun [on|off]")
	c.printf("  status")
	c.printf("  backup autosave [on|off|now|interval <sec>]")
	c.printf("  backup list|restore <index>|delete <index>|sync|clean|health")
	c.printf("  livefeed list|add <ip>|remove <ip>")
	c.printf("  exit")
}
