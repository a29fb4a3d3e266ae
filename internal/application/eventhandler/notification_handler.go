// Package eventhandler содержит обработчики доменных событий.
package eventhandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/studyquest/study-companion/internal/domain/shared"
	"github.com/studyquest/study-companion/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// NOTIFICATION HANDLER
// Превращает доменные события в уведомления пользователю.
//
// Работает только с Payload(), поэтому одинаково обрабатывает локальные
// события и события, пришедшие из Redis от другого процесса.
// ═══════════════════════════════════════════════════════════════════════════

// Notification - текст, предназначенный пользователю.
type Notification struct {
	UserID    string           `json:"user_id"`
	Kind      shared.EventType `json:"kind"`
	Text      string           `json:"text"`
	CreatedAt time.Time        `json:"created_at"`
}

// Notifier доставляет уведомления (почта, push, чат).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationHandler подписывается на события прогресса и напоминаний.
type NotificationHandler struct {
	notifier Notifier
	logger   *logger.Logger
	timeout  time.Duration
}

// NewNotificationHandler создаёт обработчик.
func NewNotificationHandler(notifier Notifier, log *logger.Logger) *NotificationHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &NotificationHandler{
		notifier: notifier,
		logger:   log.With(logger.Component("notifications")),
		timeout:  10 * time.Second,
	}
}

// Register подписывает обработчик на все события, для которых есть текст.
func (h *NotificationHandler) Register(bus shared.EventSubscriber) error {
	for _, t := range []shared.EventType{
		shared.EventAnalysisCompleted,
		shared.EventAnalysisBlocked,
		shared.EventLevelReached,
		shared.EventReminderDue,
	} {
		if err := bus.Subscribe(t, h.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

// Handle реализует shared.EventHandler.
func (h *NotificationHandler) Handle(event shared.Event) error {
	n, ok := Render(event)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.notifier.Notify(ctx, n); err != nil {
		h.logger.Warn("failed to deliver notification",
			logger.UserID(n.UserID),
			logger.String("kind", string(n.Kind)),
			logger.Err(err),
		)
		return err
	}
	return nil
}

// Render строит текст уведомления. false - событие не для пользователя.
func Render(event shared.Event) (Notification, bool) {
	p := event.Payload()
	n := Notification{
		UserID:    payloadString(p, "user_id"),
		Kind:      event.EventType(),
		CreatedAt: event.OccurredAt(),
	}

	switch event.EventType() {
	case shared.EventAnalysisCompleted:
		n.Text = fmt.Sprintf("Analyse terminée : %d points pour %d événements passés.",
			payloadInt(p, "total_points"), payloadInt(p, "event_count"))

	case shared.EventAnalysisBlocked:
		n.Text = "Nous n'avons pas pu lire votre agenda. Reconnectez-le pour lancer l'analyse."

	case shared.EventLevelReached:
		n.Text = fmt.Sprintf("Nouveau niveau atteint : %s (%d points).",
			payloadString(p, "name"), payloadInt(p, "total"))

	case shared.EventReminderDue:
		n.Text = reminderText(payloadString(p, "goal_title"), payloadInt(p, "offset_days"))

	default:
		return Notification{}, false
	}

	if n.UserID == "" {
		return Notification{}, false
	}
	return n, true
}

func reminderText(title string, offset int) string {
	switch offset {
	case 0:
		return fmt.Sprintf("C'est aujourd'hui : %s.", title)
	case 1:
		return fmt.Sprintf("C'est demain : %s.", title)
	default:
		return fmt.Sprintf("Plus que %d jours avant : %s.", offset, title)
	}
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

// payloadInt принимает и float64: так JSON декодирует числа.
func payloadInt(p map[string]interface{}, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// NOTIFIERS
// ═══════════════════════════════════════════════════════════════════════════

// LogNotifier пишет уведомления в лог. Используется, пока нет канала доставки.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &LogNotifier{logger: log.With(logger.Component("notifier"))}
}

// Notify реализует Notifier.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info(note.Text,
		logger.UserID(note.UserID),
		logger.String("kind", string(note.Kind)),
	)
	return nil
}

// Inbox хранит последние уведомления каждого пользователя в памяти.
type Inbox struct {
	mu    sync.RWMutex
	max   int
	items map[string][]Notification
}

// NewInbox создаёт Inbox на max уведомлений на пользователя.
func NewInbox(max int) *Inbox {
	if max <= 0 {
		max = 50
	}
	return &Inbox{max: max, items: make(map[string][]Notification)}
}

// Notify реализует Notifier.
func (b *Inbox) Notify(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := append(b.items[n.UserID], n)
	if len(list) > b.max {
		list = list[len(list)-b.max:]
	}
	b.items[n.UserID] = list
	return nil
}

// List возвращает уведомления пользователя, от старых к новым.
func (b *Inbox) List(userID string) []Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Notification(nil), b.items[userID]...)
}

// MultiNotifier рассылает уведомление всем получателям.
type MultiNotifier []Notifier

// Notify реализует Notifier. Возвращает первую ошибку.
func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
