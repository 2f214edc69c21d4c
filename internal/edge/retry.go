package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pyrolink/pyrolink/internal/domain/repository"
	"github.com/pyrolink/pyrolink/internal/infrastructure/config"
	"github.com/pyrolink/pyrolink/internal/wire"
	apperrors "github.com/pyrolink/pyrolink/pkg/errors"
)

// RetrySender replays unsent readings from the local log until the server
// has them, one instance per sensor kind. Together with the synchronous
// save in the fan-out this is what makes delivery at-least-once: the live
// broadcast path may drop, this loop may duplicate, the server dedups.
type RetrySender struct {
	kind     repository.ReadingKind
	log      repository.ReadingLog
	transmit Transmitter
	cfg      config.RetryConfig
	client   *http.Client
	logger   *zap.Logger

	consecutiveFailures int

	// 可注入时钟与睡眠, 测试用
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewRetrySender 创建重发器
func NewRetrySender(kind repository.ReadingKind, log repository.ReadingLog, transmit Transmitter, cfg config.RetryConfig, logger *zap.Logger) *RetrySender {
	return &RetrySender{
		kind:     kind,
		log:      log,
		transmit: transmit,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.WebhookTimeout},
		logger:   logger.With(zap.String("kind", string(kind))),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Run 重发循环, 直到 ctx 取消
func (s *RetrySender) Run(ctx context.Context) {
	for {
		if !s.sleep(ctx, s.cfg.PollInterval) {
			return
		}
		if err := s.Cycle(ctx); err != nil {
			s.consecutiveFailures++
			backoff := s.backoff()
			s.logger.Warn("Retry cycle failed",
				zap.Int("consecutive_failures", s.consecutiveFailures),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !s.sleep(ctx, backoff) {
				return
			}
		}
	}
}

// Cycle runs one fetch-transmit-mark pass. Exported so tests can step the
// sender without real time passing.
func (s *RetrySender) Cycle(ctx context.Context) error {
	rows, err := s.log.FetchUnsent(ctx, s.kind, s.cfg.MaxRecords)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.consecutiveFailures = 0
		s.pruneIdle(ctx)
		return nil
	}

	if err := s.deliver(ctx, rows); err != nil {
		return err
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := s.log.MarkSent(ctx, s.kind, ids); err != nil {
		// 标记失败只会导致重复投递, 服务端按 (device, timestamp) 去重
		return err
	}
	s.consecutiveFailures = 0
	s.logger.Info("Replayed unsent readings", zap.Int("count", len(rows)))
	return nil
}

// deliver 先走广播通道, 全部交接成功才算成功; 否则回落到 webhook
func (s *RetrySender) deliver(ctx context.Context, rows []repository.StoredReading) error {
	delivered := true
	for _, row := range rows {
		if !s.transmit.Emit(row.Reading) {
			delivered = false
			break
		}
	}
	if delivered {
		return nil
	}

	if len(s.cfg.WebhookURLs) == 0 {
		return apperrors.NewTransient("broadcast channel unavailable", nil)
	}
	return s.postWebhooks(ctx, rows)
}

// postWebhooks 将整批读数以 JSON 发往每个 webhook, 全部 2xx 才算成功
func (s *RetrySender) postWebhooks(ctx context.Context, rows []repository.StoredReading) error {
	batch := make([]any, 0, len(rows))
	for _, row := range rows {
		_, payload, err := wire.FromReading(row.Reading)
		if err != nil {
			return err
		}
		batch = append(batch, payload)
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to encode webhook batch")
	}

	for _, url := range s.cfg.WebhookURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to build webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeTransient, "webhook POST failed: "+url)
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return apperrors.NewTransient(
				fmt.Sprintf("webhook %s returned %d", url, resp.StatusCode), nil)
		}
	}
	return nil
}

// pruneIdle 空闲时清理保留期之外的已发送行
func (s *RetrySender) pruneIdle(ctx context.Context) {
	horizon := s.now().Add(-s.cfg.Retention)
	removed, err := s.log.Prune(ctx, s.kind, horizon)
	if err != nil {
		s.logger.Warn("Prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("Pruned sent readings",
			zap.Int64("removed", removed),
			zap.Time("horizon", horizon),
		)
	}
}

// backoff = min(base * 2^consecutive_failures, max)
func (s *RetrySender) backoff() time.Duration {
	backoff := s.cfg.BackoffBase
	for i := 0; i < s.consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return backoff
}

// Backlog 未发送行数
func (s *RetrySender) Backlog(ctx context.Context) (int64, error) {
	return s.log.CountUnsent(ctx, s.kind)
}
