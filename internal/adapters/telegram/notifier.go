package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/thuanavasosoft/bitbot-sub001/internal/ports"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 10 * time.Second
	defaultBackoff   = 5 * time.Second
)

// Notifier pushes operator messages to a Telegram chat. Messages are
// queued FIFO and delivered by a single worker, so ordering is preserved
// and a slow API never blocks the trading loop. On a 429 the worker backs
// off for the duration Telegram asks for before retrying the same message.
type Notifier struct {
	token   string
	chatID  string
	baseURL string
	logger  ports.Logger
	client  *http.Client
	queue   chan string
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Telegram notifier and starts its delivery worker.
// An empty token disables delivery; messages are logged and dropped.
func New(token, chatID string, logger ports.Logger) (*Notifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for telegram notifier")
	}
	if token != "" && chatID == "" {
		return nil, fmt.Errorf("telegram chat id is required when a token is set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		logger:  logger,
		client:  &http.Client{Timeout: sendTimeout},
		queue:   make(chan string, defaultQueueSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go n.worker(ctx)
	return n, nil
}

// QueueMessage enqueues a message for delivery. Fire and forget: when the
// queue is full the message is dropped with a log entry instead of
// blocking the caller.
func (n *Notifier) QueueMessage(text string) {
	select {
	case n.queue <- text:
	default:
		n.logger.Warn(context.Background(), "Notification queue full, dropping message", map[string]interface{}{
			"message": text,
		})
	}
}

// Close stops the worker. Queued but undelivered messages are dropped.
func (n *Notifier) Close() {
	n.cancel()
	<-n.done
}

func (n *Notifier) worker(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	if n.token == "" {
		n.logger.Info(ctx, "Telegram disabled, notification dropped", map[string]interface{}{"message": text})
		return
	}

	for {
		retryAfter, err := n.send(ctx, text)
		if err == nil {
			return
		}
		if retryAfter <= 0 {
			n.logger.Warn(ctx, "Telegram send failed, message dropped", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		n.logger.Warn(ctx, "Telegram rate limited, backing off", map[string]interface{}{
			"retryAfter": retryAfter.String(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryAfter):
		}
	}
}

// send posts one message. On a 429 it returns the backoff Telegram asked
// for so the caller can retry the same message.
func (n *Notifier) send(ctx context.Context, text string) (time.Duration, error) {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)

	data := url.Values{}
	data.Set("chat_id", n.chatID)
	data.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		backoff := defaultBackoff
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				backoff = time.Duration(secs) * time.Second
			}
		}
		return backoff, fmt.Errorf("telegram API rate limited: %w", ports.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return 0, nil
}
