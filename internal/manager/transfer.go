package manager

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/CodeRelay/internal/domain/task"
	"github.com/Strob0t/CodeRelay/internal/protocol"
	"github.com/Strob0t/CodeRelay/internal/resilience"
)

// ByteCache is the slice of the cache port the fetcher needs.
type ByteCache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Fetcher downloads attachment bytes from their source URLs, going through
// an in-process cache and a circuit breaker.
type Fetcher struct {
	client  *http.Client
	breaker *resilience.Breaker
	cache   ByteCache
	log     *slog.Logger
}

// NewFetcher creates a Fetcher. cache may be nil.
func NewFetcher(client *http.Client, breaker *resilience.Breaker, cache ByteCache, log *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{client: client, breaker: breaker, cache: cache, log: log}
}

// Fetch returns the bytes behind url, capped at maxSize.
func (f *Fetcher) Fetch(ctx context.Context, url string, maxSize int64) ([]byte, error) {
	if f.cache != nil {
		if data, ok, err := f.cache.Get(ctx, url); err == nil && ok {
			return data, nil
		}
	}

	if f.breaker != nil && !f.breaker.Allow() {
		return nil, fmt.Errorf("fetch %s: %w", url, resilience.ErrOpen)
	}

	data, err := f.download(ctx, url, maxSize)
	if f.breaker != nil {
		f.breaker.Observe(err)
	}
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		_ = f.cache.Set(ctx, url, data, 10*time.Minute)
	}
	return data, nil
}

func (f *Fetcher) download(ctx context.Context, url string, maxSize int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("fetch %s: exceeds %d bytes", url, maxSize)
	}
	return data, nil
}

// deliverAttachments runs the fetch-and-transfer step before assignment:
// each attachment is downloaded and pushed to the worker as a file:transfer,
// then the correlated ack fills in the worker-local path. The whole step
// shares one budget; on timeout or failure the assignment proceeds with
// localPath left empty and the assistant receives the attachment by
// reference in the prompt text.
func (m *Manager) deliverAttachments(ctx context.Context, t task.Task) []task.Attachment {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TransferBudget)
	defer cancel()

	attachments := append([]task.Attachment(nil), t.Attachments...)

	var g errgroup.Group
	for i := range attachments {
		if attachments[i].LocalPath != "" || attachments[i].SourceURL == "" {
			continue
		}
		g.Go(func() error {
			a := &attachments[i]
			localPath, err := m.transferOne(ctx, t.ID, t.WorkerID, a)
			if err != nil {
				// Non-fatal: downgraded to a warning, the task still runs.
				m.log.Warn("attachment transfer failed",
					"task_id", t.ID,
					"file", a.FileName,
					"code", protocol.CodeTransferFailure,
					"error", err,
				)
				return nil
			}
			a.LocalPath = localPath
			m.mu.Lock()
			if orig, ok := m.tasks[t.ID]; ok {
				for j := range orig.Attachments {
					if orig.Attachments[j].FileName == a.FileName {
						orig.Attachments[j].LocalPath = localPath
					}
				}
			}
			m.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return attachments
}

// transferOne downloads one attachment, sends it, and awaits the ack
// correlated by (taskId, fileName).
func (m *Manager) transferOne(ctx context.Context, taskID, workerID string, a *task.Attachment) (string, error) {
	data, err := m.fetcher.Fetch(ctx, a.SourceURL, task.MaxAttachmentSize)
	if err != nil {
		return "", err
	}

	key := transferKey{taskID: taskID, fileName: a.FileName}
	ackCh := make(chan protocol.FileTransferAckPayload, 1)
	m.mu.Lock()
	m.transfers[key] = ackCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.transfers, key)
		m.mu.Unlock()
	}()

	msg, err := protocol.New(protocol.TypeFileTransfer, protocol.FileTransferPayload{
		FileName: a.FileName,
		Mime:     a.Mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return "", err
	}
	msg.TaskID = taskID
	msg.WorkerID = workerID

	if !m.pool.SendToWorker(ctx, workerID, msg) {
		return "", fmt.Errorf("transfer %s: worker unreachable", a.FileName)
	}

	select {
	case ack := <-ackCh:
		if !ack.Success {
			return "", fmt.Errorf("transfer %s: worker rejected: %s", a.FileName, ack.Message)
		}
		return ack.LocalPath, nil
	case <-ctx.Done():
		return "", fmt.Errorf("transfer %s: %w", a.FileName, ctx.Err())
	}
}

// HandleFileTransferAck resolves the pending transfer correlated by
// (taskId, fileName).
func (m *Manager) HandleFileTransferAck(taskID string, p protocol.FileTransferAckPayload) {
	key := transferKey{taskID: taskID, fileName: p.FileName}
	m.mu.Lock()
	ch := m.transfers[key]
	m.mu.Unlock()
	if ch != nil {
		select {
		case ch <- p:
		default:
		}
	}
}
