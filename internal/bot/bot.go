// Package bot exposes the panel's session and account operations as
// Telegram commands, driven by a long-poll loop over the Bot API.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dapidd12/hexhs/internal/auth"
	"github.com/dapidd12/hexhs/internal/clients/telegram"
	"github.com/dapidd12/hexhs/internal/fanout"
	"github.com/dapidd12/hexhs/internal/logging"
	"github.com/dapidd12/hexhs/internal/session"
	"github.com/dapidd12/hexhs/internal/store"
)

const (
	pollTimeoutSeconds = 30
	pollRetryDelay     = 5 * time.Second

	// How long /connect keeps forwarding lifecycle events to the chat.
	connectFollowWindow = 3 * time.Minute

	minNumberDigits = 8
)

// Bot dispatches Telegram commands onto the session supervisor and stores.
type Bot struct {
	client   *telegram.Client
	sup      *session.Supervisor
	registry *session.Registry
	sessions *store.SessionStore
	users    *store.UserStore
	access   *store.AccessStore
	fanout   *fanout.Fanout
	logger   logging.Logger
}

// New wires the bot to its collaborators.
func New(client *telegram.Client, sup *session.Supervisor, registry *session.Registry, sessions *store.SessionStore, users *store.UserStore, access *store.AccessStore, fan *fanout.Fanout, logger logging.Logger) *Bot {
	return &Bot{
		client:   client,
		sup:      sup,
		registry: registry,
		sessions: sessions,
		users:    users,
		access:   access,
		fanout:   fan,
		logger:   logger,
	}
}

// Run long-polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("Telegram bot started")
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := b.client.GetUpdates(ctx, offset, pollTimeoutSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.WithError(err).Warn("Telegram poll failed")
			select {
			case <-time.After(pollRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.From == nil {
				continue
			}
			b.dispatch(ctx, u.Message)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, msg *telegram.Message) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	cmd := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])
	args := fields[1:]

	id := strconv.FormatInt(msg.From.ID, 10)
	b.logger.WithFields(logging.Fields{
		"command": cmd,
		"from_id": id,
	}).Info("Telegram command received")

	switch cmd {
	case "/start":
		b.cmdStart(ctx, msg, id)
	case "/myrole":
		b.cmdMyRole(ctx, msg, id)
	case "/sessions":
		b.cmdSessions(ctx, msg, id)
	case "/connect":
		b.cmdConnect(ctx, msg, id, args)
	case "/listsender":
		b.cmdListSenders(ctx, msg, id)
	case "/delsender":
		b.cmdDeleteSender(ctx, msg, id, args)
	case "/ckey":
		b.cmdCreateKey(ctx, msg, id, args)
	case "/listkey":
		b.cmdListKeys(ctx, msg, id)
	case "/delkey":
		b.cmdDeleteKey(ctx, msg, id, args)
	case "/addowner":
		b.cmdAddOwner(ctx, msg, id, args)
	case "/delowner":
		b.cmdRemoveOwner(ctx, msg, id, args)
	}
}

// tenantOf maps a Telegram account onto a tenant ID: the username when
// present, the numeric ID otherwise.
func tenantOf(msg *telegram.Message) string {
	if msg.From.Username != "" {
		return msg.From.Username
	}
	return strconv.FormatInt(msg.From.ID, 10)
}

func (b *Bot) reply(ctx context.Context, msg *telegram.Message, text string) {
	if err := b.client.SendMessage(ctx, msg.Chat.ID, text); err != nil {
		b.logger.WithError(err).Error("Failed to send Telegram reply")
	}
}

func (b *Bot) cmdStart(ctx context.Context, msg *telegram.Message, id string) {
	if !b.access.IsAuthorized(id) {
		b.reply(ctx, msg, "You are not authorized to use this bot.")
		return
	}
	b.reply(ctx, msg, "Welcome! Commands:\n"+
		"/connect &lt;number&gt; - link a device\n"+
		"/listsender - list your devices\n"+
		"/delsender &lt;number&gt; - remove a device\n"+
		"/myrole - show your access tier")
}

func (b *Bot) cmdMyRole(ctx context.Context, msg *telegram.Message, id string) {
	role := b.access.RoleOf(id)
	if role == "" {
		b.reply(ctx, msg, "You have no access.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Your role: <b>%s</b>", role))
}

func (b *Bot) cmdSessions(ctx context.Context, msg *telegram.Message, id string) {
	if !b.access.IsOwner(id) {
		b.reply(ctx, msg, "Owner access required.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf(
		"Sessions:\nActive: <b>%d</b>\nRegistered: <b>%d</b>\nTenants: <b>%d</b>",
		b.registry.Size(), b.sessions.Count(), len(b.sessions.Tenants())))
}

func (b *Bot) cmdConnect(ctx context.Context, msg *telegram.Message, id string, args []string) {
	if !b.access.IsAuthorized(id) {
		b.reply(ctx, msg, "You are not authorized to use this bot.")
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg, "Usage: /connect &lt;number&gt;")
		return
	}
	number := digitsOnly(args[0])
	if len(number) < minNumberDigits {
		b.reply(ctx, msg, "Phone number is too short.")
		return
	}

	tenant := tenantOf(msg)
	b.reply(ctx, msg, fmt.Sprintf("Starting connection for <b>%s</b>...", number))

	// Forward lifecycle events for this tenant to the chat until the
	// connect settles. This claims the tenant's single event stream.
	events := b.fanout.Subscribe(tenant)
	go b.followEvents(ctx, msg, tenant, events)

	go func() {
		if err := b.sup.Connect(context.WithoutCancel(ctx), tenant, number); err != nil {
			b.logger.WithError(err).WithFields(logging.Fields{
				"tenant_id": tenant,
				"number":    number,
			}).Error("Telegram connect failed")
		}
	}()
}

// followEvents relays events to the chat until a terminal one arrives, the
// window expires, or the stream is replaced by another subscriber.
func (b *Bot) followEvents(ctx context.Context, msg *telegram.Message, tenant string, events <-chan fanout.Event) {
	defer b.fanout.Unsubscribe(tenant, events)

	window := time.NewTimer(connectFollowWindow)
	defer window.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-window.C:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if text := formatEvent(ev); text != "" {
				b.reply(ctx, msg, text)
			}
			switch ev.Type {
			case fanout.TypeSuccess, fanout.TypeError:
				return
			}
		}
	}
}

func formatEvent(ev fanout.Event) string {
	switch ev.Type {
	case fanout.TypePairingCode:
		return fmt.Sprintf("Pairing code for %s:\n<code>%s</code>\n\nOpen WhatsApp &gt; Linked Devices &gt; Link a Device and enter the code.", ev.Number, ev.Code)
	case fanout.TypeSuccess:
		return fmt.Sprintf("✅ %s connected.", ev.Number)
	case fanout.TypeError:
		return fmt.Sprintf("❌ %s: %s", ev.Number, ev.Message)
	case fanout.TypeQR:
		return fmt.Sprintf("%s: scan the QR code in the web panel to continue.", ev.Number)
	default:
		return ""
	}
}

func (b *Bot) cmdListSenders(ctx context.Context, msg *telegram.Message, id string) {
	if !b.access.IsAuthorized(id) {
		b.reply(ctx, msg, "You are not authorized to use this bot.")
		return
	}
	tenant := tenantOf(msg)
	numbers := b.sessions.Numbers(tenant)
	if len(numbers) == 0 {
		b.reply(ctx, msg, "You have no registered devices.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Your devices:\n")
	for _, n := range numbers {
		state := "offline"
		if _, ok := b.registry.Get(session.DeviceKey{TenantID: tenant, Number: n}); ok {
			state = "online"
		}
		fmt.Fprintf(&sb, "• <code>%s</code> (%s)\n", n, state)
	}
	b.reply(ctx, msg, sb.String())
}

func (b *Bot) cmdDeleteSender(ctx context.Context, msg *telegram.Message, id string, args []string) {
	if !b.access.IsAuthorized(id) {
		b.reply(ctx, msg, "You are not authorized to use this bot.")
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg, "Usage: /delsender &lt;number&gt;")
		return
	}
	number := digitsOnly(args[0])
	tenant := tenantOf(msg)
	if err := b.sup.Delete(tenant, number); err != nil {
		b.logger.WithError(err).Error("Telegram delsender failed")
		b.reply(ctx, msg, "Failed to remove the device.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Device <code>%s</code> removed.", number))
}

func (b *Bot) cmdCreateKey(ctx context.Context, msg *telegram.Message, id string, args []string) {
	if !b.access.IsOwner(id) {
		b.reply(ctx, msg, "Owner access required.")
		return
	}
	if len(args) != 2 {
		b.reply(ctx, msg, "Usage: /ckey &lt;username&gt; &lt;duration&gt; (e.g. /ckey alice 30d)")
		return
	}
	username := args[0]
	ttl, err := auth.ParseDuration(args[1])
	if err != nil {
		b.reply(ctx, msg, "Invalid duration, use forms like 30d, 12h or 45m.")
		return
	}
	key, err := auth.GenerateKey(auth.DefaultKeyLength)
	if err != nil {
		b.logger.WithError(err).Error("Failed to generate access key")
		b.reply(ctx, msg, "Failed to generate a key.")
		return
	}
	user := store.User{
		Username: username,
		Key:      key,
		Role:     store.RoleUser,
		Expired:  time.Now().Add(ttl).UnixMilli(),
	}
	if err := b.users.Create(user); err != nil {
		if err == store.ErrUserExists {
			b.reply(ctx, msg, "That username is already taken.")
			return
		}
		b.logger.WithError(err).Error("Failed to create user")
		b.reply(ctx, msg, "Failed to create the account.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf(
		"Account created:\nUser: <code>%s</code>\nKey: <code>%s</code>\nValid until: %s",
		username, key, user.Expiry().Format("2006-01-02 15:04")))
}

func (b *Bot) cmdListKeys(ctx context.Context, msg *telegram.Message, id string) {
	if !b.access.IsOwner(id) {
		b.reply(ctx, msg, "Owner access required.")
		return
	}
	users := b.users.List()
	if len(users) == 0 {
		b.reply(ctx, msg, "No accounts.")
		return
	}
	now := time.Now()
	var sb strings.Builder
	sb.WriteString("Accounts:\n")
	for _, u := range users {
		state := "active"
		if u.IsExpired(now) {
			state = "expired"
		}
		fmt.Fprintf(&sb, "• <code>%s</code> [%s] (%s)\n", u.Username, u.Role, state)
	}
	b.reply(ctx, msg, sb.String())
}

func (b *Bot) cmdDeleteKey(ctx context.Context, msg *telegram.Message, id string, args []string) {
	if !b.access.IsOwner(id) {
		b.reply(ctx, msg, "Owner access required.")
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg, "Usage: /delkey &lt;username&gt;")
		return
	}
	if err := b.users.Delete(args[0]); err != nil {
		if err == store.ErrUserNotFound {
			b.reply(ctx, msg, "No such account.")
			return
		}
		b.logger.WithError(err).Error("Failed to delete user")
		b.reply(ctx, msg, "Failed to delete the account.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Account <code>%s</code> deleted.", args[0]))
}

func (b *Bot) cmdAddOwner(ctx context.Context, msg *telegram.Message, id string, args []string) {
	if !b.access.IsDeveloper(id) {
		b.reply(ctx, msg, "Developer access required.")
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg, "Usage: /addowner &lt;telegram-id&gt;")
		return
	}
	if err := b.access.AddOwner(args[0]); err != nil {
		b.logger.WithError(err).Error("Failed to add owner")
		b.reply(ctx, msg, "Failed to add the owner.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Owner <code>%s</code> added.", args[0]))
}

func (b *Bot) cmdRemoveOwner(ctx context.Context, msg *telegram.Message, id string, args []string) {
	if !b.access.IsDeveloper(id) {
		b.reply(ctx, msg, "Developer access required.")
		return
	}
	if len(args) != 1 {
		b.reply(ctx, msg, "Usage: /delowner &lt;telegram-id&gt;")
		return
	}
	if err := b.access.RemoveOwner(args[0]); err != nil {
		b.logger.WithError(err).Error("Failed to remove owner")
		b.reply(ctx, msg, "Failed to remove the owner.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Owner <code>%s</code> removed.", args[0]))
}

func digitsOnly(raw string) string {
	var sb strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
