package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier delivers human-readable domain events (order placed, filled,
// state transitions, drift warnings, status reports). Delivery is fire and
// forget: a failing or slow channel must never affect trading, so sends are
// buffered and dropped when the buffer is full.
type Notifier interface {
	Notify(text string)
	Notifyf(format string, args ...interface{})
	Close()
}

// Nop is the disabled notifier.
type Nop struct{}

func (Nop) Notify(string)                  {}
func (Nop) Notifyf(string, ...interface{}) {}
func (Nop) Close()                         {}

// Telegram delivers notifications to one chat through the Bot API.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	queue  chan string
	done   chan struct{}
	logger *zap.SugaredLogger
}

// NewTelegram connects the bot and starts the delivery loop.
func NewTelegram(token string, chatID int64, logger *zap.SugaredLogger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connecting telegram bot: %w", err)
	}
	t := &Telegram{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan string, 64),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.deliverLoop()
	return t, nil
}

func (t *Telegram) deliverLoop() {
	for {
		select {
		case <-t.done:
			return
		case text := <-t.queue:
			msg := tgbotapi.NewMessage(t.chatID, text)
			if _, err := t.bot.Send(msg); err != nil {
				t.logger.Warnw("Telegram delivery failed", "error", err)
			}
		}
	}
}

// Notify queues a message, dropping it if the queue is full.
func (t *Telegram) Notify(text string) {
	select {
	case t.queue <- text:
	default:
		t.logger.Warnw("Notification dropped, queue full")
	}
}

// Notifyf formats and queues a message.
func (t *Telegram) Notifyf(format string, args ...interface{}) {
	t.Notify(fmt.Sprintf(format, args...))
}

// Close stops the delivery loop; queued messages may be dropped.
func (t *Telegram) Close() {
	close(t.done)
}
