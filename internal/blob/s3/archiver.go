package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/curvebot/internal/domain"
)

// ArchiveConfig controls what is archived and when.
type ArchiveConfig struct {
	// Retention is how long records stay only in the database.
	Retention time.Duration
	// BatchLimit caps the records read per kind per run.
	BatchLimit int
	// MultipartThreshold switches uploads above this size to multipart.
	MultipartThreshold int64
	Clock              func() time.Time
}

// Archiver copies old orders, transactions and audit entries to object
// storage as JSONL. Rows are not deleted from the database.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	orders domain.OrderStore
	txs    domain.TransactionStore
	audit  domain.AuditStore
	cfg    ArchiveConfig
	logger *slog.Logger
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. Retention defaults to 30 days and
// BatchLimit to 10000.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	orders domain.OrderStore,
	txs domain.TransactionStore,
	audit domain.AuditStore,
	cfg ArchiveConfig,
	logger *slog.Logger,
) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10000
	}
	if cfg.MultipartThreshold <= 0 {
		cfg.MultipartThreshold = 64 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer: writer,
		reader: reader,
		orders: orders,
		txs:    txs,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveOrders uploads terminal orders created before the cutoff.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "orders", before, a.orders.ListBefore)
}

// ArchiveTransactions uploads transactions created before the cutoff.
func (a *Archiver) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "transactions", before, a.txs.ListBefore)
}

// ArchiveAudit uploads audit entries created before the cutoff.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "audit", before, a.audit.ListBefore)
}

// RunOnce archives every kind up to now minus the retention period.
func (a *Archiver) RunOnce(ctx context.Context) error {
	before := a.cfg.Clock().UTC().Add(-a.cfg.Retention)
	steps := []struct {
		kind string
		fn   func(context.Context, time.Time) (int64, error)
	}{
		{"orders", a.ArchiveOrders},
		{"transactions", a.ArchiveTransactions},
		{"audit", a.ArchiveAudit},
	}
	for _, s := range steps {
		n, err := s.fn(ctx, before)
		if err != nil {
			return err
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "archived records",
				slog.String("kind", s.kind),
				slog.Int64("count", n),
				slog.Time("before", before),
			)
		}
	}
	return nil
}

// Run calls RunOnce every interval until ctx is done. Failures are logged.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.WarnContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func archive[T any](
	ctx context.Context,
	a *Archiver,
	kind string,
	before time.Time,
	list func(context.Context, time.Time, int) ([]T, error),
) (int64, error) {
	path := archivePath(kind, before)
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		a.logger.DebugContext(ctx, "archive already written", slog.String("path", path))
		return 0, nil
	}

	records, err := list(ctx, before, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	if int64(len(buf)) > a.cfg.MultipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit: %w", kind, err)
	}
	return count, nil
}

// archivePath is archive/<kind>/YYYY-MM-DD.jsonl for the cutoff day.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format(time.DateOnly))
}

// marshalJSONL writes one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
