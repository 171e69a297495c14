package ports

// Notifier is the outbound notification channel (e.g. Telegram).
// Messages are fire-and-forget: queued in FIFO order and delivered
// asynchronously; the implementation backs off on rate-limit signals.
type Notifier interface {
	QueueMessage(text string)
}
