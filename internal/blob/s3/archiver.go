package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/condamm/internal/domain"
)

// multipartThreshold is the payload size above which uploads go through the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// Archiver implements domain.Archiver. Executions are written as JSONL at
// executions/YYYY/MM/DD/<unix>.jsonl and market snapshots as JSON at
// snapshots/<market>/<unix>.json. Archiving never deletes from the primary
// store.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	now    func() time.Time
}

// NewArchiver creates an Archiver. reader may be nil, in which case
// LatestSnapshot is unavailable.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader, now: time.Now}
}

// ArchiveExecutions uploads execs as one JSONL object and returns its key.
func (a *Archiver) ArchiveExecutions(ctx context.Context, execs []domain.ArbExecution) (string, error) {
	if len(execs) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(execs)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}
	path, err := a.freePath(ctx, executionsPath(a.now()))
	if err != nil {
		return "", fmt.Errorf("s3blob: archive executions: %w", err)
	}
	if err := a.put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive executions: %w", err)
	}
	return path, nil
}

// ArchiveSnapshot uploads a market state and returns its key.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, st domain.MarketState) (string, error) {
	buf, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot marshal: %w", err)
	}
	path := snapshotPath(st.Market.ID, a.now())
	if err := a.put(ctx, path, buf, "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive snapshot %s: %w", st.Market.ID, err)
	}
	return path, nil
}

// LatestSnapshot downloads the most recent archived state of a market.
func (a *Archiver) LatestSnapshot(ctx context.Context, marketID string) (domain.MarketState, error) {
	if a.reader == nil {
		return domain.MarketState{}, fmt.Errorf("s3blob: latest snapshot: no reader configured")
	}
	infos, err := a.reader.List(ctx, "snapshots/"+marketID+"/")
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("s3blob: latest snapshot %s: %w", marketID, err)
	}
	if len(infos) == 0 {
		return domain.MarketState{}, fmt.Errorf("s3blob: latest snapshot %s: %w", marketID, domain.ErrNotFound)
	}
	// Keys end in a fixed-width unix timestamp, so the lexicographic maximum
	// is the newest.
	latest := slices.MaxFunc(infos, func(x, y domain.BlobInfo) int { return strings.Compare(x.Path, y.Path) })

	body, err := a.reader.Get(ctx, latest.Path)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("s3blob: latest snapshot %s: %w", marketID, err)
	}
	defer body.Close()

	var st domain.MarketState
	if err := json.NewDecoder(body).Decode(&st); err != nil {
		return domain.MarketState{}, fmt.Errorf("s3blob: decode snapshot %s: %w", latest.Path, err)
	}
	return st, nil
}

// freePath returns path, or path with a -N suffix before its extension when
// an earlier batch in the same second already took it.
func (a *Archiver) freePath(ctx context.Context, path string) (string, error) {
	if a.reader == nil {
		return path, nil
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	candidate := path
	for n := 1; ; n++ {
		ok, err := a.reader.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !ok {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d%s", base, n, ext)
	}
}

func (a *Archiver) put(ctx context.Context, path string, buf []byte, contentType string) error {
	var r io.Reader = bytes.NewReader(buf)
	if len(buf) > multipartThreshold {
		return a.writer.PutMultipart(ctx, path, r, 0)
	}
	return a.writer.Put(ctx, path, r, contentType)
}

//	executions/2026/10/14/1791979200.jsonl
func executionsPath(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("executions/%s/%010d.jsonl", t.Format("2006/01/02"), t.Unix())
}

//	snapshots/m1/1791979200.json
func snapshotPath(marketID string, t time.Time) string {
	return fmt.Sprintf("snapshots/%s/%010d.json", marketID, t.Unix())
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
