// Package bot is the Telegram admin interface for the fleet: client
// listing, provisioning, manual deactivation, and backups.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nsmelov/wgfleet/internal/config"
	"github.com/nsmelov/wgfleet/internal/connlog"
	"github.com/nsmelov/wgfleet/internal/expiry"
	"github.com/nsmelov/wgfleet/internal/payments"
	"github.com/nsmelov/wgfleet/internal/peers"
	"github.com/nsmelov/wgfleet/internal/sched"
	"github.com/nsmelov/wgfleet/internal/telegram"
	"github.com/nsmelov/wgfleet/internal/traffic"
	"github.com/nsmelov/wgfleet/internal/wgstatus"
)

// Fleet supplies the currently connected clients across all servers.
type Fleet interface {
	ActiveClients(ctx context.Context) (map[string]wgstatus.ActiveClient, error)
}

// ClientLister enumerates the peers configured on the local daemon.
type ClientLister interface {
	ClientList(ctx context.Context) ([]peers.Client, error)
}

// ISPResolver maps a source IP to a human-readable network name.
type ISPResolver interface {
	Lookup(ctx context.Context, ip string) string
}

// Archiver produces a backup archive of the fleet state.
type Archiver interface {
	Create(ctx context.Context) (name string, data []byte, err error)
}

// durationChoices are the plan lengths offered in the add-user flow,
// in days. Zero means no expiration.
var durationChoices = []struct {
	Label string
	Days  int
}{
	{"1 day", 1},
	{"1 week", 7},
	{"1 month", 30},
	{"3 months", 90},
	{"6 months", 180},
	{"1 year", 365},
	{"♾️ unlimited", 0},
}

// Service wires the Telegram bot to the rest of the fleet.
type Service struct {
	bot    *telegram.Bot
	cfg    *config.Config
	fleet  Fleet
	peers  ClientLister
	prov   *Provisioner
	sched  *sched.Scheduler
	ledger *traffic.Store
	expiry *expiry.Store
	conns  *connlog.Log
	isp    ISPResolver
	backup Archiver
	pay    *payments.Service // nil when payments are disabled
	logger *slog.Logger

	mu     sync.Mutex
	admins map[int64]bool
}

// Options collects the dependencies of a Service.
type Options struct {
	Bot    *telegram.Bot
	Config *config.Config
	Fleet  Fleet
	Peers  ClientLister
	Prov   *Provisioner
	Sched  *sched.Scheduler
	Ledger *traffic.Store
	Expiry *expiry.Store
	Conns  *connlog.Log
	ISP    ISPResolver
	Backup Archiver
	Pay    *payments.Service
	Logger *slog.Logger
}

func New(opts Options) *Service {
	admins := make(map[int64]bool, len(opts.Config.Telegram.AdminIDs))
	for _, id := range opts.Config.Telegram.AdminIDs {
		admins[id] = true
	}
	return &Service{
		bot:    opts.Bot,
		cfg:    opts.Config,
		fleet:  opts.Fleet,
		peers:  opts.Peers,
		prov:   opts.Prov,
		sched:  opts.Sched,
		ledger: opts.Ledger,
		expiry: opts.Expiry,
		conns:  opts.Conns,
		isp:    opts.ISP,
		backup: opts.Backup,
		pay:    opts.Pay,
		logger: opts.Logger,
		admins: admins,
	}
}

// NotifyAdmins sends a message to every configured admin. Used by the
// scheduler to report deactivations.
func (s *Service) NotifyAdmins(ctx context.Context, text string) {
	for _, id := range s.adminIDs() {
		if err := s.bot.SendMessage(ctx, id, text); err != nil {
			s.logger.Error("bot: failed to notify admin", "chat_id", id, "err", err)
		}
	}
}

func (s *Service) adminIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.admins))
	for id := range s.admins {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) isAdmin(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins[id]
}

// Run starts the command polling loop. It blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	s.registerCommands(ctx)

	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := s.bot.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("bot: failed to poll updates", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			switch {
			case u.CallbackQuery != nil:
				s.handleCallback(ctx, u.CallbackQuery)
			case u.Message != nil && u.Message.Text != "":
				s.handleCommand(ctx, u.Message)
			}
		}
	}
}

func (s *Service) registerCommands(ctx context.Context) {
	commands := []telegram.BotCommand{
		{Command: "clients", Description: "List clients with status and traffic"},
		{Command: "user", Description: "Show one client in detail"},
		{Command: "add", Description: "Create a new client"},
		{Command: "extend", Description: "Extend a client's plan"},
		{Command: "deactivate", Description: "Remove a client"},
		{Command: "backup", Description: "Download a backup archive"},
		{Command: "admins", Description: "Manage admins"},
		{Command: "help", Description: "Show available commands"},
	}
	if err := s.bot.SetMyCommands(ctx, commands); err != nil {
		s.logger.Error("bot: failed to register commands", "err", err)
	}
}

func (s *Service) handleCommand(ctx context.Context, msg *telegram.Message) {
	if msg.From == nil || !s.isAdmin(msg.From.ID) {
		if s.pay != nil && msg.From != nil && msg.Chat.Type == "private" {
			s.offerTariffs(ctx, msg.Chat.ID)
			return
		}
		s.logger.Debug("bot: ignoring message from unauthorized user",
			"user_id", senderID(msg), "chat_id", msg.Chat.ID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	cmd, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}

	switch cmd {
	case "/clients":
		s.cmdClients(ctx, msg.Chat.ID)
	case "/user":
		s.cmdUser(ctx, msg.Chat.ID, args)
	case "/add":
		s.cmdAdd(ctx, msg.Chat.ID, args)
	case "/extend":
		s.cmdExtend(ctx, msg.Chat.ID, args)
	case "/deactivate":
		s.cmdDeactivate(ctx, msg.Chat.ID, args)
	case "/backup":
		s.cmdBackup(ctx, msg.Chat.ID)
	case "/admins":
		s.cmdAdmins(ctx, msg.Chat.ID, args)
	case "/help", "/start":
		s.reply(ctx, msg.Chat.ID, helpText)
	}
}

const helpText = "Available commands:\n" +
	"/clients — list clients with status and traffic\n" +
	"/user <name> — show one client in detail\n" +
	"/add <name> — create a new client\n" +
	"/extend <name> <days> — extend a client's plan\n" +
	"/deactivate <name> — remove a client\n" +
	"/backup — download a backup archive\n" +
	"/admins [add <id>] — manage admins\n" +
	"/help — show this message"

func (s *Service) reply(ctx context.Context, chatID int64, text string) {
	if err := s.bot.SendMessage(ctx, chatID, text); err != nil {
		s.logger.Error("bot: failed to reply", "chat_id", chatID, "err", err)
	}
}

func (s *Service) cmdClients(ctx context.Context, chatID int64) {
	clients, err := s.peers.ClientList(ctx)
	if err != nil {
		s.reply(ctx, chatID, fmt.Sprintf("Failed to list clients: %v", err))
		return
	}
	names := make([]string, 0, len(clients))
	for _, c := range clients {
		names = append(names, c.Name)
	}

	active, err := s.fleet.ActiveClients(ctx)
	if err != nil {
		s.logger.Warn("bot: fleet query failed, listing without status", "err", err)
	}
	ledger, err := s.ledger.All()
	if err != nil {
		s.logger.Warn("bot: traffic query failed", "err", err)
	}
	s.reply(ctx, chatID, formatClientList(names, active, ledger))
}

func (s *Service) cmdUser(ctx context.Context, chatID int64, name string) {
	if name == "" {
		s.reply(ctx, chatID, "Usage: /user <name>")
		return
	}

	var current *wgstatus.ActiveClient
	if active, err := s.fleet.ActiveClients(ctx); err == nil {
		if c, ok := active[name]; ok {
			current = &c
		}
	}

	rec, err := s.ledger.Get(name)
	if err != nil {
		s.logger.Warn("bot: traffic query failed", "user", name, "err", err)
	}
	exp, expOK := s.expiry.Get(name)

	var networks []string
	for i, e := range s.conns.Load(name) {
		if i >= 5 {
			break
		}
		networks = append(networks, fmt.Sprintf("%s — %s", e.IP, s.isp.Lookup(ctx, e.IP)))
	}

	s.reply(ctx, chatID, formatUserDetail(name, current, rec, exp, expOK, networks, time.Now()))
}

func (s *Service) cmdAdd(ctx context.Context, chatID int64, name string) {
	if name == "" || strings.ContainsAny(name, " /\\") {
		s.reply(ctx, chatID, "Usage: /add <name> (no spaces or slashes)")
		return
	}
	if clients, err := s.peers.ClientList(ctx); err == nil {
		for _, c := range clients {
			if c.Name == name {
				s.reply(ctx, chatID, fmt.Sprintf("Client %q already exists", name))
				return
			}
		}
	}

	rows := make([][]telegram.InlineButton, 0, len(durationChoices))
	for _, d := range durationChoices {
		rows = append(rows, []telegram.InlineButton{{
			Text:         d.Label,
			CallbackData: fmt.Sprintf("add:%s:%d", name, d.Days),
		}})
	}
	kb := &telegram.InlineKeyboard{InlineKeyboard: rows}
	if err := s.bot.SendMessageKeyboard(ctx, chatID, fmt.Sprintf("Plan duration for %s:", name), kb); err != nil {
		s.logger.Error("bot: failed to send duration keyboard", "err", err)
	}
}

func (s *Service) cmdExtend(ctx context.Context, chatID int64, args string) {
	name, daysStr, _ := strings.Cut(args, " ")
	days, err := strconv.Atoi(strings.TrimSpace(daysStr))
	if name == "" || err != nil || days <= 0 {
		s.reply(ctx, chatID, "Usage: /extend <name> <days>")
		return
	}
	at, err := s.prov.Extend(name, days)
	if err != nil {
		s.reply(ctx, chatID, fmt.Sprintf("Failed to extend %s: %v", name, err))
		return
	}
	s.reply(ctx, chatID, fmt.Sprintf("✅ %s extended until %s", name, at.Format("2006-01-02 15:04 MST")))
}

func (s *Service) cmdDeactivate(ctx context.Context, chatID int64, name string) {
	if name == "" {
		s.reply(ctx, chatID, "Usage: /deactivate <name>")
		return
	}
	if err := s.sched.Deactivate(ctx, name, sched.ReasonManual); err != nil {
		s.reply(ctx, chatID, fmt.Sprintf("Failed to deactivate %s: %v", name, err))
		return
	}
	s.reply(ctx, chatID, fmt.Sprintf("✅ %s deactivated", name))
}

func (s *Service) cmdBackup(ctx context.Context, chatID int64) {
	name, data, err := s.backup.Create(ctx)
	if err != nil {
		s.reply(ctx, chatID, fmt.Sprintf("Backup failed: %v", err))
		return
	}
	if err := s.bot.SendDocument(ctx, chatID, name, data, "Fleet backup"); err != nil {
		s.logger.Error("bot: failed to send backup", "err", err)
		s.reply(ctx, chatID, "Backup created but upload failed, see logs")
	}
}

func (s *Service) cmdAdmins(ctx context.Context, chatID int64, args string) {
	sub, rest, _ := strings.Cut(args, " ")
	if sub == "add" {
		id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			s.reply(ctx, chatID, "Usage: /admins add <telegram-id>")
			return
		}
		s.mu.Lock()
		s.admins[id] = true
		s.mu.Unlock()
		s.reply(ctx, chatID, fmt.Sprintf("✅ Admin %d added", id))
		return
	}

	var b strings.Builder
	b.WriteString("Admins:\n")
	for _, id := range s.adminIDs() {
		fmt.Fprintf(&b, "  • %d\n", id)
	}
	s.reply(ctx, chatID, b.String())
}

func (s *Service) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	parts := strings.SplitN(cb.Data, ":", 4)
	if !s.isAdmin(cb.From.ID) {
		if s.pay != nil && parts[0] == "buy" && len(parts) == 2 {
			s.startPurchase(ctx, cb, chatID, parts[1])
		}
		return
	}

	switch {
	case parts[0] == "add" && len(parts) == 3:
		// Duration picked, ask for the traffic limit.
		name, days := parts[1], parts[2]
		rows := make([][]telegram.InlineButton, 0, len(s.cfg.TrafficLimits))
		for _, limit := range s.cfg.TrafficLimits {
			rows = append(rows, []telegram.InlineButton{{
				Text:         limit,
				CallbackData: fmt.Sprintf("lim:%s:%s:%s", name, days, limit),
			}})
		}
		kb := &telegram.InlineKeyboard{InlineKeyboard: rows}
		s.answer(ctx, cb.ID, "")
		if err := s.bot.SendMessageKeyboard(ctx, chatID, fmt.Sprintf("Traffic limit for %s:", name), kb); err != nil {
			s.logger.Error("bot: failed to send limit keyboard", "err", err)
		}

	case parts[0] == "lim" && len(parts) == 4:
		name, limit := parts[1], parts[3]
		days, err := strconv.Atoi(parts[2])
		if err != nil {
			s.answer(ctx, cb.ID, "bad callback data")
			return
		}
		s.answer(ctx, cb.ID, "Creating "+name)
		s.createClient(ctx, chatID, name, days, limit)
	}
}

func (s *Service) answer(ctx context.Context, callbackID, text string) {
	if err := s.bot.AnswerCallback(ctx, callbackID, text, false); err != nil {
		s.logger.Debug("bot: failed to answer callback", "err", err)
	}
}

func (s *Service) createClient(ctx context.Context, chatID int64, name string, days int, limit string) {
	p, err := s.prov.Create(ctx, name, days, limit)
	if err != nil {
		s.reply(ctx, chatID, fmt.Sprintf("Failed to create %s: %v", name, err))
		return
	}

	summary := fmt.Sprintf("✅ %s created", name)
	if p.ExpiresAt != nil {
		summary += fmt.Sprintf(", expires %s", p.ExpiresAt.Format("2006-01-02 15:04 MST"))
	}
	if p.Limit != "" && p.Limit != expiry.Unlimited {
		summary += fmt.Sprintf(", limit %s", p.Limit)
	}
	s.reply(ctx, chatID, summary)

	if err := s.bot.SendDocument(ctx, chatID, p.ConfName, p.Conf, s.cfg.Telegram.VPNName+" config"); err != nil {
		s.logger.Error("bot: failed to send config", "user", name, "err", err)
	}
	if p.QR != nil {
		if err := s.bot.SendDocument(ctx, chatID, name+".png", p.QR, "Scan to import"); err != nil {
			s.logger.Error("bot: failed to send QR", "user", name, "err", err)
		}
	}
}

func senderID(msg *telegram.Message) int64 {
	if msg.From == nil {
		return 0
	}
	return msg.From.ID
}

// offerTariffs shows the self-service plan keyboard to a non-admin user.
func (s *Service) offerTariffs(ctx context.Context, chatID int64) {
	tariffs := s.pay.Tariffs()
	rows := make([][]telegram.InlineButton, 0, len(tariffs))
	for _, t := range tariffs {
		rows = append(rows, []telegram.InlineButton{{
			Text:         fmt.Sprintf("%d month(s) — %d ₽", t.Months, t.Price),
			CallbackData: fmt.Sprintf("buy:%d", t.Months),
		}})
	}
	kb := &telegram.InlineKeyboard{InlineKeyboard: rows}
	text := fmt.Sprintf("Welcome to %s! Pick a plan:", s.cfg.Telegram.VPNName)
	if err := s.bot.SendMessageKeyboard(ctx, chatID, text, kb); err != nil {
		s.logger.Error("bot: failed to send tariff keyboard", "err", err)
	}
}

func (s *Service) startPurchase(ctx context.Context, cb *telegram.CallbackQuery, chatID int64, monthsStr string) {
	months, err := strconv.Atoi(monthsStr)
	if err != nil {
		return
	}
	username := fmt.Sprintf("tg%d", cb.From.ID)
	url, err := s.pay.Start(ctx, chatID, username, months)
	if err != nil {
		s.logger.Error("bot: failed to start payment", "user", username, "err", err)
		s.answer(ctx, cb.ID, "Payment setup failed, try again later")
		return
	}
	s.answer(ctx, cb.ID, "")
	s.reply(ctx, chatID, fmt.Sprintf("Complete your payment here:\n%s\n\nYour config arrives automatically once it settles.", url))
}

// FulfillPayment provisions or extends a client for a settled payment.
// Wired as the payment service's OnPaid callback.
func (s *Service) FulfillPayment(ctx context.Context, rec payments.Record) {
	exists := false
	if clients, err := s.peers.ClientList(ctx); err == nil {
		for _, c := range clients {
			if c.Name == rec.Username {
				exists = true
				break
			}
		}
	}

	if exists {
		at, err := s.prov.Extend(rec.Username, rec.Days)
		if err != nil {
			s.logger.Error("bot: failed to extend paid plan", "user", rec.Username, "err", err)
			s.reply(ctx, rec.ChatID, "Payment received but extending your plan failed, an admin has been notified")
			s.NotifyAdmins(ctx, fmt.Sprintf("⚠️ Paid extension failed for %s: %v", rec.Username, err))
			return
		}
		s.reply(ctx, rec.ChatID, fmt.Sprintf("✅ Payment received, your plan now runs until %s", at.Format("2006-01-02 15:04 MST")))
	} else {
		p, err := s.prov.Create(ctx, rec.Username, rec.Days, expiry.Unlimited)
		if err != nil {
			s.logger.Error("bot: failed to provision paid client", "user", rec.Username, "err", err)
			s.reply(ctx, rec.ChatID, "Payment received but provisioning failed, an admin has been notified")
			s.NotifyAdmins(ctx, fmt.Sprintf("⚠️ Paid provisioning failed for %s: %v", rec.Username, err))
			return
		}
		s.reply(ctx, rec.ChatID, "✅ Payment received, here is your config:")
		if err := s.bot.SendDocument(ctx, rec.ChatID, p.ConfName, p.Conf, s.cfg.Telegram.VPNName+" config"); err != nil {
			s.logger.Error("bot: failed to send paid config", "user", rec.Username, "err", err)
		}
		if p.QR != nil {
			if err := s.bot.SendDocument(ctx, rec.ChatID, rec.Username+".png", p.QR, "Scan to import"); err != nil {
				s.logger.Error("bot: failed to send paid QR", "user", rec.Username, "err", err)
			}
		}
	}

	s.NotifyAdmins(ctx, fmt.Sprintf("💰 %s paid %s ₽ for %d days", rec.Username, rec.Amount, rec.Days))
}
