// Package cli implements the interactive operator console of a server
// session.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/framelink-project/framelink/internal/config"
	"github.com/framelink-project/framelink/internal/events"
	"github.com/framelink-project/framelink/internal/network"
	"github.com/framelink-project/framelink/internal/server"
)

// SessionView is the read-only side of a server session.
type SessionView interface {
	Snapshot() server.Snapshot
	Lag() *server.LagMonitor
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	session  SessionView
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a new CLI reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, session SessionView, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		session:  session,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled, the input ends, or
// the operator quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nFramelink console ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	readCtx, stop := context.WithCancel(ctx)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "framelink> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		err := c.execute(ctx, cmd, parts[1:])
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
	}
}

var errQuit = errors.New("quit")

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(args)
	case "lag":
		c.printLag()
	case "kick":
		return c.cmdKick(ctx, args)
	case "outcome":
		return c.cmdOutcome(ctx, args)
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down Framelink...")
		c.eventBus.Emit(ctx, events.New(events.EventShutdown, "cli", events.ShutdownPayload{Reason: "operator quit"}))
		return errQuit
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                   Framelink Console Commands                 ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  status [identity]    Show the session or one participant    ║")
	fmt.Fprintln(c.out, "║  lag                  Show long tick statistics              ║")
	fmt.Fprintln(c.out, "║  kick <identity> [r]  Remove a participant                   ║")
	fmt.Fprintln(c.out, "║  outcome draw|winner  Record the match result                ║")
	fmt.Fprintln(c.out, "║  setconfig <k> <v>    Update a session configuration value   ║")
	fmt.Fprintln(c.out, "║  quit                 Shutdown Framelink                     ║")
	fmt.Fprintln(c.out, "║  help                 Show this help message                 ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

// printStatus displays the session and its participants in a table.
func (c *CLI) printStatus(args []string) error {
	snap := c.session.Snapshot()

	if len(args) > 0 {
		id, err := network.ParseIdentity(args[0])
		if err != nil {
			return err
		}
		p, ok := snap.Participant(uint64(id))
		if !ok {
			return fmt.Errorf("participant %s not found", id)
		}
		c.printParticipant(p)
		return nil
	}

	fmt.Fprintf(c.out, "\n  Session:   %s (%s)\n", snap.Name, snap.SessionID)
	fmt.Fprintf(c.out, "  Phase:     %s\n", snap.Phase)
	fmt.Fprintf(c.out, "  Players:   %d active, %d pending, %d max\n", snap.Active, snap.Pending, snap.MaxPlayers)
	fmt.Fprintf(c.out, "  Frame:     %d\n", snap.FrameID)
	fmt.Fprintf(c.out, "  Started:   %v\n\n", snap.StartConsumed)

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Identity", "Position", "State", "Loaded", "Connected", "Idle"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := snap.UpdatedAt
	for _, p := range snap.Participants {
		tw.Append([]string{
			network.Identity(p.Identity).String(),
			fmt.Sprintf("%d", p.Position),
			p.State.String(),
			fmt.Sprintf("%v", p.LoadComplete),
			p.ConnectedAt.Format(time.TimeOnly),
			now.Sub(p.LastActivity).Round(time.Millisecond).String(),
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func (c *CLI) printParticipant(p server.ParticipantInfo) {
	fmt.Fprintf(c.out, "\n  Identity:      %d\n", p.Identity)
	fmt.Fprintf(c.out, "  Position:      %d\n", p.Position)
	fmt.Fprintf(c.out, "  State:         %s\n", p.State)
	fmt.Fprintf(c.out, "  Load complete: %v\n", p.LoadComplete)
	fmt.Fprintf(c.out, "  Connected at:  %s\n", p.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Last activity: %s\n\n", p.LastActivity.Format(time.RFC3339))
}

func (c *CLI) printLag() {
	stats := c.session.Lag().Stats()

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Total", "Last Hour", "Max (ms)", "Avg (ms)", "Last"})
	tw.SetBorder(true)

	last := "-"
	if !stats.LastEventTime.IsZero() {
		last = stats.LastEventTime.Format(time.RFC3339)
	}
	tw.Append([]string{
		fmt.Sprintf("%d", stats.TotalEvents),
		fmt.Sprintf("%d", stats.EventsThisHour),
		fmt.Sprintf("%d", stats.MaxDuration),
		fmt.Sprintf("%.1f", stats.AvgDuration),
		last,
	})
	tw.Render()
}

func (c *CLI) cmdKick(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <identity> [reason]")
	}

	id, err := network.ParseIdentity(args[0])
	if err != nil {
		return err
	}
	if _, ok := c.session.Snapshot().Participant(uint64(id)); !ok {
		return fmt.Errorf("participant %s not found", id)
	}

	c.eventBus.Emit(ctx, events.New(events.EventKickParticipant, "cli", events.KickPayload{
		Identity: uint64(id),
		Reason:   strings.Join(args[1:], " "),
	}))
	fmt.Fprintf(c.out, "Kick command sent for %s\n", id)
	return nil
}

func (c *CLI) cmdOutcome(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: outcome draw|winner")
	}

	var phase events.MatchPhase
	switch strings.ToLower(args[0]) {
	case "draw":
		phase = events.PhaseDraw
	case "winner":
		phase = events.PhaseWinner
	default:
		return fmt.Errorf("invalid outcome: %s", args[0])
	}

	c.eventBus.Emit(ctx, events.New(events.EventSetOutcome, "cli", events.OutcomePayload{Phase: phase}))
	fmt.Fprintf(c.out, "Outcome set to %s\n", phase)
	return nil
}

// cmdSetConfig updates a session field and saves the file. Changes apply
// on the next start.
func (c *CLI) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	// numbers and booleans go in as JSON, everything else as a string
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	if err := c.cfg.UpdateSessionField(key, value); err != nil {
		return err
	}
	if c.cfg.Path() != "" {
		if err := c.cfg.Save(); err != nil {
			return err
		}
	}

	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, raw)
	return nil
}
