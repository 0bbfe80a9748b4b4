package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kirillm/perp-agent/internal/domain"
	"github.com/kirillm/perp-agent/internal/execution"
	"github.com/kirillm/perp-agent/pkg/utils"
)

// Orchestrator управление режимом автономии
type Orchestrator interface {
	GetMode() string
	SetMode(mode string) error
	IsRunning() bool
}

// Exchange читающая поверхность для /status
type Exchange interface {
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetOpenOrders(ctx context.Context) ([]domain.OpenOrder, error)
}

// AdvancedEngine список advanced-ордеров для /advanced
type AdvancedEngine interface {
	ListOrders() ([]domain.AdvancedOrder, error)
}

// Bot телеграм-интерфейс оператора: ручные override'ы, kill switch,
// режим автономии и обзор состояния. Торговые решения через бот не
// принимаются, только управление и наблюдение.
type Bot struct {
	api          *tgbotapi.BotAPI
	chatID       int64
	userID       string
	logger       *utils.Logger
	exchange     Exchange
	bracket      *execution.BracketManager
	killSwitch   *execution.KillSwitch
	orchestrator Orchestrator
	advanced     AdvancedEngine
}

func NewBot(
	token string,
	chatID int64,
	userID string,
	logger *utils.Logger,
	ex Exchange,
	bracket *execution.BracketManager,
	killSwitch *execution.KillSwitch,
	orchestrator Orchestrator,
	advanced AdvancedEngine,
) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	logger.Info("Telegram bot authorized: @%s", bot.Self.UserName)

	return &Bot{
		api:          bot,
		chatID:       chatID,
		userID:       userID,
		logger:       logger.WithPrefix("telegram"),
		exchange:     ex,
		bracket:      bracket,
		killSwitch:   killSwitch,
		orchestrator: orchestrator,
		advanced:     advanced,
	}, nil
}

// Start запускает обработку сообщений
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	b.Notify("Perp agent started. Use /help to see available commands.")

	for update := range updates {
		if update.Message == nil {
			continue
		}

		// Проверяем, что сообщение от правильного пользователя
		if update.Message.Chat.ID != b.chatID {
			b.logger.Warn("Unauthorized access attempt from chat ID: %d", update.Message.Chat.ID)
			continue
		}

		if update.Message.IsCommand() {
			b.handleCommand(ctx, update.Message)
		}
	}
}

// Notify отправляет сообщение оператору
func (b *Bot) Notify(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("failed to send message: %v", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	args := strings.Fields(message.CommandArguments())

	switch message.Command() {
	case "status":
		b.handleStatus(ctx)
	case "halt":
		reason := strings.TrimSpace(message.CommandArguments())
		if reason == "" {
			reason = "manual halt via telegram"
		}
		b.killSwitch.Activate(reason)
		b.Notify(fmt.Sprintf("Kill switch ACTIVE: %s\nNo new orders will be placed.", reason))
	case "resume":
		b.killSwitch.Deactivate()
		b.Notify("Kill switch released, trading resumed.")
	case "override":
		b.handleOverride(args)
	case "mode":
		b.handleMode(args)
	case "advanced":
		b.handleAdvanced()
	case "help":
		b.Notify(helpText)
	default:
		b.Notify("Unknown command. Use /help.")
	}
}

func (b *Bot) handleStatus(ctx context.Context) {
	positions, err := b.exchange.GetPositions(ctx)
	if err != nil {
		b.Notify(fmt.Sprintf("Failed to load positions: %v", err))
		return
	}
	orders, err := b.exchange.GetOpenOrders(ctx)
	if err != nil {
		b.Notify(fmt.Sprintf("Failed to load open orders: %v", err))
		return
	}
	halted, reason, _ := b.killSwitch.Status()
	b.Notify(formatStatus(positions, orders, halted, reason, b.orchestrator.GetMode()))
}

// handleOverride включает или выключает ручное управление по символу.
// Пока override активен, движок не трогает защитные ордера символа.
func (b *Bot) handleOverride(args []string) {
	if len(args) < 1 {
		b.Notify("Usage: /override SYMBOL [on|off]")
		return
	}
	symbol := strings.ToUpper(args[0])
	on := true
	if len(args) > 1 && strings.EqualFold(args[1], "off") {
		on = false
	}
	if err := b.bracket.SetManualOverride(b.userID, symbol, on); err != nil {
		b.Notify(fmt.Sprintf("Override failed: %v", err))
		return
	}
	if on {
		b.Notify(fmt.Sprintf("Manual override ON for %s. The engine will not touch its protective orders.", symbol))
	} else {
		b.Notify(fmt.Sprintf("Manual override OFF for %s. The engine resumes bracket management.", symbol))
	}
}

func (b *Bot) handleMode(args []string) {
	if len(args) == 0 {
		b.Notify(fmt.Sprintf("Current mode: %s", b.orchestrator.GetMode()))
		return
	}
	mode := strings.ToLower(args[0])
	if err := b.orchestrator.SetMode(mode); err != nil {
		b.Notify(fmt.Sprintf("Mode change failed: %v", err))
		return
	}
	b.Notify(fmt.Sprintf("Mode switched to %s", mode))
}

func (b *Bot) handleAdvanced() {
	orders, err := b.advanced.ListOrders()
	if err != nil {
		b.Notify(fmt.Sprintf("Failed to list advanced orders: %v", err))
		return
	}
	b.Notify(formatAdvancedOrders(orders))
}

const helpText = `Available commands:
/status - positions, resting orders, kill switch and mode
/halt [reason] - activate kill switch (block all new orders)
/resume - release kill switch
/override SYMBOL [on|off] - manual control of protective orders
/mode [shadow|pilot|full] - show or switch autonomy mode
/advanced - list advanced orders
/help - this message`
