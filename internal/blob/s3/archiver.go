package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// BarArchiveStore is the read side of the bar store the archiver needs.
type BarArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Bar, error)
}

// DefaultPrefix is the key prefix archived bars are written under.
const DefaultPrefix = "archive/bars"

const jsonlContentType = "application/x-ndjson"

// BarArchiver implements domain.Archiver. Bars closed before the cutoff are
// grouped per instrument, timeframe and UTC day of their open time and
// written as one JSONL object per group.
//
// Deleting the archived rows is left to the caller so it only happens
// after every upload succeeded.
type BarArchiver struct {
	writer domain.BlobWriter
	bars   BarArchiveStore
	prefix string
}

// NewArchiver creates a BarArchiver writing under prefix.
func NewArchiver(writer domain.BlobWriter, bars BarArchiveStore, prefix string) *BarArchiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &BarArchiver{writer: writer, bars: bars, prefix: prefix}
}

// ArchiveBars uploads every bar closed before the cutoff and returns the
// number of bars written.
func (a *BarArchiver) ArchiveBars(ctx context.Context, before time.Time) (int64, error) {
	bars, err := a.bars.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive bars query: %w", err)
	}
	if len(bars) == 0 {
		return 0, nil
	}

	groups := groupBars(bars)
	keys := make([]archiveKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	var count int64
	for _, k := range keys {
		group := groups[k]
		buf, err := marshalJSONL(group)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive bars marshal: %w", err)
		}

		path := archivePath(a.prefix, k, before)
		if int64(len(buf)) > minPartSize {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return count, fmt.Errorf("s3blob: archive bars upload %s: %w", path, err)
		}
		count += int64(len(group))
	}
	return count, nil
}

type archiveKey struct {
	instrument string
	timeframe  string
	day        string
}

func (k archiveKey) less(o archiveKey) bool {
	if k.instrument != o.instrument {
		return k.instrument < o.instrument
	}
	if k.timeframe != o.timeframe {
		return k.timeframe < o.timeframe
	}
	return k.day < o.day
}

func groupBars(bars []domain.Bar) map[archiveKey][]domain.Bar {
	out := make(map[archiveKey][]domain.Bar)
	for _, b := range bars {
		k := archiveKey{
			instrument: strings.ToUpper(b.Instrument),
			timeframe:  b.Timeframe,
			day:        b.OpenTime.UTC().Format("2006-01-02"),
		}
		out[k] = append(out[k], b)
	}
	return out
}

// archivePath builds the object key of one group. The cutoff is part of the
// name so a later run never overwrites an earlier upload of the same day.
//
//	archive/bars/ES/1m/2025-01-14-1736899200.jsonl
func archivePath(prefix string, k archiveKey, before time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s-%d.jsonl", prefix, k.instrument, k.timeframe, k.day, before.Unix())
}

// InstrumentPrefix is the listing prefix of one instrument's archives.
func InstrumentPrefix(prefix, instrument string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "/" + strings.ToUpper(instrument) + "/"
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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

// ReadBars decodes an archived JSONL object back into bars.
func ReadBars(r io.Reader) ([]domain.Bar, error) {
	var bars []domain.Bar
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var b domain.Bar
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("s3blob: decode archived bar line %d: %w", line, err)
		}
		bars = append(bars, b)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read archived bars: %w", err)
	}
	return bars, nil
}

// Compile-time interface check.
var _ domain.Archiver = (*BarArchiver)(nil)
