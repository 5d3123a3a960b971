package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/channelrelay/channelrelay/pkg/types"
	"github.com/channelrelay/channelrelay/server/internal/config"
)

// Counter names reported through Recorder.
const (
	MetricSent    = "webhook_sent"
	MetricFailed  = "webhook_failed"
	MetricDropped = "webhook_dropped"
)

// Recorder receives counter increments.
type Recorder interface {
	Inc(name string, delta int)
}

type nopRecorder struct{}

func (nopRecorder) Inc(string, int) {}

type task struct {
	url  string
	body []byte
	room string
}

// Notifier delivers webhook payloads on a worker pool.
//
// Notifier is safe for concurrent use.
type Notifier struct {
	client  *http.Client
	workers int
	rec     Recorder

	mu     sync.RWMutex // guards closed against concurrent sends on queue
	closed bool
	queue  chan task
	wg     sync.WaitGroup

	// stop is cancelled when a shutdown deadline passes. In-flight requests
	// are aborted and queued tasks are dropped from then on.
	stop   context.Context
	cancel context.CancelFunc
}

// New creates a Notifier sized by cfg. rec may be nil.
func New(cfg config.WebhookConfig, rec Recorder) *Notifier {
	if rec == nil {
		rec = nopRecorder{}
	}
	stop, cancel := context.WithCancel(context.Background())
	return &Notifier{
		client:  newHTTPClient(cfg.Timeout),
		workers: cfg.Workers,
		rec:     rec,
		queue:   make(chan task, cfg.QueueSize),
		stop:    stop,
		cancel:  cancel,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Notify queues payload for delivery to url and returns immediately.
func (n *Notifier) Notify(url string, payload types.WebhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("webhook: encode payload", "room", payload.RoomName, "err", err)
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.rec.Inc(MetricDropped, 1)
		return
	}
	select {
	case n.queue <- task{url: url, body: body, room: payload.RoomName}:
	default:
		n.rec.Inc(MetricDropped, 1)
		slog.Warn("webhook: queue full, dropping notification",
			"room", payload.RoomName, "queue_cap", cap(n.queue))
	}
}

// Pending returns the number of queued, undelivered notifications.
func (n *Notifier) Pending() int { return len(n.queue) }

// Run starts the worker pool and blocks until ctx is cancelled. It then stops
// accepting notifications and gives the workers up to grace to drain the
// queue. Whatever is still pending after that is dropped.
func (n *Notifier) Run(ctx context.Context, grace time.Duration) {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for t := range n.queue {
				if n.stop.Err() != nil {
					n.rec.Inc(MetricDropped, 1)
					continue
				}
				n.deliver(t)
			}
		}()
	}
	slog.Info("webhook: workers started", "workers", n.workers, "queue_cap", cap(n.queue))

	<-ctx.Done()
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := n.Shutdown(drainCtx); err != nil {
		slog.Warn("webhook: drain deadline exceeded, pending notifications dropped", "grace", grace)
	}
}

// Shutdown stops accepting notifications and waits for queued ones to be
// attempted. If ctx ends first, in-flight requests are aborted, the rest of
// the queue is dropped and ctx.Err() is returned once the workers exit.
// It is safe to call more than once.
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
	}
	n.cancel()
	<-done
	return ctx.Err()
}

// Close is Shutdown without a deadline.
func (n *Notifier) Close() {
	n.Shutdown(context.Background()) //nolint:errcheck
}

func (n *Notifier) deliver(t task) {
	start := time.Now()
	if err := n.post(n.stop, t.url, t.body); err != nil {
		if n.stop.Err() != nil {
			n.rec.Inc(MetricDropped, 1)
			slog.Warn("webhook: delivery aborted by shutdown", "room", t.room)
			return
		}
		n.rec.Inc(MetricFailed, 1)
		slog.Error("webhook: delivery failed", "room", t.room, "err", err)
		return
	}
	n.rec.Inc(MetricSent, 1)
	slog.Debug("webhook: delivered", "room", t.room, "took", time.Since(start))
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
