package lightbind

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// PermissionLevel is a totally ordered permission enumeration. Higher
// levels include everything below them.
type PermissionLevel int

const (
	PermissionPublic PermissionLevel = iota
	PermissionStaff
	PermissionAdmin
)

func (p PermissionLevel) String() string {
	switch p {
	case PermissionPublic:
		return "public"
	case PermissionStaff:
		return "staff"
	case PermissionAdmin:
		return "admin"
	default:
		return fmt.Sprintf("permission(%d)", int(p))
	}
}

// Allows reports whether a caller at this level may run a command
// requiring the given level.
func (p PermissionLevel) Allows(required PermissionLevel) bool {
	return p >= required
}

// CommandRequest is one normalized inbound command invocation.
type CommandRequest struct {
	// SubjectID is the Discord user ID of the caller
	SubjectID string

	// Permission is the caller's resolved permission level
	Permission PermissionLevel

	ChannelID string
	Args      []string
	RawText   string

	DiscordUser discordgo.User
}

// CommandHandler executes a command and returns the reply to send back
// to the channel.
type CommandHandler func(ctx context.Context, req *CommandRequest) (string, error)

// Command declares one registered chat command.
type Command struct {
	Name        string
	Aliases     []string
	Description string

	// Permission is the minimum level required to invoke the command
	Permission PermissionLevel

	// Cooldown is the minimum interval between invocations by the same
	// subject. Zero disables the cooldown.
	Cooldown time.Duration

	Handler CommandHandler
}

// DispatchResult reports what Dispatch did with a command line.
type DispatchResult struct {
	// Command is the resolved command name, empty when the text did not
	// address a registered command
	Command string

	// Invoked is true only when the handler actually ran
	Invoked bool

	// Reply is the handler's response, or the rejection notice
	Reply string

	Err error
}

// OnCooldownError reports a cooldown rejection with the remaining wait.
type OnCooldownError struct {
	Remaining time.Duration
}

func (e OnCooldownError) Error() string {
	return fmt.Sprintf(
		"command on cooldown (%s remaining)",
		e.Remaining.Round(time.Millisecond),
	)
}

type cooldownKey struct {
	subjectID string
	command   string
}

// Dispatcher resolves command lines to registered handlers, enforcing
// permission level and per-subject cooldown before a handler runs.
//
// Permission is checked first and consumes nothing. The cooldown check
// and the timestamp write happen as one step under the mutex, so two
// near-simultaneous invocations by the same subject can never both pass
// while a slow handler is still running.
type Dispatcher struct {
	prefix   string
	commands map[string]*Command

	mu        sync.Mutex
	cooldowns map[cooldownKey]time.Time

	db     DBI
	clock  func() time.Time
	logger *slog.Logger
}

func NewDispatcher(prefix string, db DBI, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		prefix:    prefix,
		commands:  map[string]*Command{},
		cooldowns: map[cooldownKey]time.Time{},
		db:        db,
		clock:     time.Now,
		logger:    logger.With(loggerNameKey, "dispatcher"),
	}
}

// Register adds a command and its aliases to the dispatch table.
// Duplicate names panic, since registration is a startup-time concern.
func (d *Dispatcher) Register(cmd *Command) {
	names := append([]string{cmd.Name}, cmd.Aliases...)
	for _, name := range names {
		key := strings.ToLower(name)
		if _, exists := d.commands[key]; exists {
			panic(fmt.Sprintf("duplicate command registration: %s", key))
		}
		d.commands[key] = cmd
	}
}

// Commands returns the registered commands, deduplicated across
// aliases.
func (d *Dispatcher) Commands() []*Command {
	seen := map[string]bool{}
	var cmds []*Command
	for _, cmd := range d.commands {
		if !seen[cmd.Name] {
			seen[cmd.Name] = true
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// Dispatch resolves and, when permitted, invokes the command named by
// req.RawText. Text that does not address a registered command is a
// no-op, not an error: it may be unrelated chat.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	req *CommandRequest,
) DispatchResult {
	name, args, ok := tokenizeCommandLine(req.RawText, d.prefix)
	if !ok {
		return DispatchResult{}
	}
	cmd := d.commands[name]
	if cmd == nil {
		return DispatchResult{}
	}
	req.Args = args

	log, logOK := ContextLogger(ctx)
	if log == nil || !logOK {
		log = d.logger
	}
	log = log.With(
		"command", cmd.Name,
		"subject_id", req.SubjectID,
		"permission", req.Permission,
	)

	if !req.Permission.Allows(cmd.Permission) {
		log.InfoContext(
			ctx,
			"permission denied",
			"required", cmd.Permission,
		)
		d.record(ctx, req, cmd, "permission_denied")
		return DispatchResult{
			Command: cmd.Name,
			Err:     ErrInsufficientPermission,
		}
	}

	if cmd.Cooldown > 0 {
		key := cooldownKey{subjectID: req.SubjectID, command: cmd.Name}

		d.mu.Lock()
		now := d.clock()
		last, seen := d.cooldowns[key]
		if seen && now.Before(last.Add(cmd.Cooldown)) {
			remaining := last.Add(cmd.Cooldown).Sub(now)
			d.mu.Unlock()

			log.InfoContext(ctx, "on cooldown", "remaining", remaining)
			d.record(ctx, req, cmd, "on_cooldown")
			return DispatchResult{
				Command: cmd.Name,
				Err:     OnCooldownError{Remaining: remaining},
			}
		}
		d.cooldowns[key] = now
		d.mu.Unlock()
	}

	reply, err := cmd.Handler(ctx, req)
	if err != nil {
		log.ErrorContext(ctx, "command failed", tint.Err(err))
		d.record(ctx, req, cmd, "error")
		return DispatchResult{
			Command: cmd.Name,
			Invoked: true,
			Reply:   reply,
			Err:     err,
		}
	}

	d.record(ctx, req, cmd, "ok")
	return DispatchResult{Command: cmd.Name, Invoked: true, Reply: reply}
}

// record writes a CommandLog row. Best effort: dispatch outcomes do not
// depend on audit writes.
func (d *Dispatcher) record(
	ctx context.Context,
	req *CommandRequest,
	cmd *Command,
	outcome string,
) {
	if d.db == nil {
		return
	}
	entry := &CommandLog{
		DiscordUserID: req.SubjectID,
		Command:       cmd.Name,
		Args:          strings.Join(req.Args, " "),
		ChannelID:     req.ChannelID,
		Outcome:       outcome,
	}
	if _, err := d.db.Create(ctx, entry); err != nil {
		d.logger.WarnContext(
			ctx,
			"error writing command log",
			"entry", entry,
			tint.Err(err),
		)
	}
}
