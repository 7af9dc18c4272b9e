package notify

import (
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/saher228/3xui-shop/internal/config"
)

// Notifier отправляет служебные отчеты супер-админу в Telegram.
// Без токена или без SUPER_ADMIN_ID превращается в no-op.
type Notifier struct {
	bot     *tgbotapi.BotAPI
	adminID int64
}

func New(cfg *config.Config) *Notifier {
	n := &Notifier{}

	if cfg.BotToken == "" || cfg.SuperAdminID == "" {
		slog.Warn("Admin notifications disabled: bot token or admin id is not configured")
		return n
	}

	adminID, err := strconv.ParseInt(cfg.SuperAdminID, 10, 64)
	if err != nil {
		slog.Warn("Admin notifications disabled: invalid SUPER_ADMIN_ID", "error", err)
		return n
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		slog.Error("Admin notifications disabled: failed to create bot", "error", err)
		return n
	}
	bot.Debug = false

	n.bot = bot
	n.adminID = adminID
	slog.Info("Admin notifier initialized", "bot", bot.Self.UserName)
	return n
}

// Report отправляет обычный отчет.
func (n *Notifier) Report(message string) {
	n.send(message)
}

// Alert отправляет алерт о проблеме.
func (n *Notifier) Alert(message string) {
	slog.Warn("Health alert", "message", message)
	n.send("🚨 " + message)
}

func (n *Notifier) send(message string) {
	if n.bot == nil {
		return
	}

	msg := tgbotapi.NewMessage(n.adminID, message)
	if _, err := n.bot.Send(msg); err != nil {
		slog.Error("Failed to send admin notification", "error", err)
	}
}
