// Package webhook mirrors accepted room writes to external HTTP endpoints.
//
// Notifier.Notify never blocks: it marshals the payload and offers it to a
// bounded queue, dropping it when the queue is full. A fixed pool of workers
// started by Run performs one POST per payload with a JSON body. There are no
// retries; network errors, timeouts and non-2xx responses are logged and
// counted, never reported back to the writer.
package webhook
