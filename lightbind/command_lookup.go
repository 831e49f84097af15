package lightbind

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	lookupCommandName   = "lookup"
	productsCommandName = "products"
	helpCommandName     = "help"

	lookupCommandCooldown   = 2500 * time.Millisecond
	productsCommandCooldown = 2500 * time.Millisecond
	helpCommandCooldown     = 3 * time.Second
)

// lookupCommand finds a customer record by Discord mention/ID or by
// Roblox user id. Staff only.
//
// Usage: !lookup <@mention | discord_user_id | roblox:roblox_user_id>
func (lb *Lightbind) lookupCommand(
	ctx context.Context,
	req *CommandRequest,
) (string, error) {
	if len(req.Args) != 1 {
		return fmt.Sprintf(
			"Usage: `%slookup <@mention | discord_id | roblox:<id>>`",
			lb.config.Discord.CommandPrefix,
		), nil
	}

	query := strings.TrimSpace(req.Args[0])

	var (
		user *UserRecord
		err  error
	)
	switch {
	case strings.HasPrefix(strings.ToLower(query), "roblox:"):
		user, err = lb.store.FindByRobloxID(ctx, query[len("roblox:"):])
	default:
		user, err = lb.store.FindByDiscordID(ctx, parseUserMention(query))
	}
	if err != nil {
		return "Something went wrong, please try again in a moment.", err
	}
	if user == nil {
		return "No record found.", nil
	}

	purchases, err := lb.store.Purchases(ctx, user.DiscordUserID)
	if err != nil {
		return "Something went wrong, please try again in a moment.", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (`%s`)\n", user.Username, user.DiscordUserID)
	if user.Verified() {
		fmt.Fprintf(
			&b,
			"Roblox: `%s` (verified %s)\n",
			stringPointerValue(user.RobloxUserID),
			time.UnixMilli(user.VerifiedAt).UTC().Format(time.DateOnly),
		)
	} else {
		b.WriteString("Roblox: not linked\n")
	}
	if len(purchases) == 0 {
		b.WriteString("Products: none")
	} else {
		codes := make([]string, 0, len(purchases))
		for _, p := range purchases {
			codes = append(codes, fmt.Sprintf("`%s`", p.ProductCode))
		}
		fmt.Fprintf(&b, "Products: %s", strings.Join(codes, ", "))
	}
	return truncate(b.String(), discordMaxMessageLength), nil
}

// productsCommand lists the caller's own purchased products. Requires a
// verified binding.
func (lb *Lightbind) productsCommand(
	ctx context.Context,
	req *CommandRequest,
) (string, error) {
	user, err := lb.store.FindByDiscordID(ctx, req.SubjectID)
	if err != nil {
		return "Something went wrong, please try again in a moment.", err
	}
	if user == nil || !user.Verified() {
		return fmt.Sprintf(
			"You need to verify first: `%sverify <roblox_user_id>`",
			lb.config.Discord.CommandPrefix,
		), nil
	}

	purchases, err := lb.store.Purchases(ctx, req.SubjectID)
	if err != nil {
		return "Something went wrong, please try again in a moment.", err
	}
	if len(purchases) == 0 {
		return "You don't have any products yet.", nil
	}

	var b strings.Builder
	b.WriteString("Your products:\n")
	for _, p := range purchases {
		fmt.Fprintf(
			&b,
			"- `%s` (purchased %s)\n",
			p.ProductCode,
			time.UnixMilli(p.CreatedAt).UTC().Format(time.DateOnly),
		)
	}
	return truncate(strings.TrimRight(b.String(), "\n"), discordMaxMessageLength), nil
}

// helpCommand lists the commands visible at the caller's permission
// level.
func (lb *Lightbind) helpCommand(
	_ context.Context,
	req *CommandRequest,
) (string, error) {
	cmds := lb.dispatcher.Commands()
	sort.Slice(
		cmds, func(i, j int) bool {
			return cmds[i].Name < cmds[j].Name
		},
	)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range cmds {
		if !req.Permission.Allows(cmd.Permission) {
			continue
		}
		fmt.Fprintf(
			&b,
			"- `%s%s` - %s\n",
			lb.config.Discord.CommandPrefix,
			cmd.Name,
			cmd.Description,
		)
	}
	return truncate(strings.TrimRight(b.String(), "\n"), discordMaxMessageLength), nil
}

// parseUserMention extracts the user ID from a Discord mention like
// <@140462280517615616> or <@!140462280517615616>, passing plain IDs
// through unchanged.
func parseUserMention(s string) string {
	if !strings.HasPrefix(s, "<@") || !strings.HasSuffix(s, ">") {
		return s
	}
	id := strings.TrimSuffix(strings.TrimPrefix(s, "<@"), ">")
	return strings.TrimPrefix(id, "!")
}
