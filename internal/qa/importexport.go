package qa

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "ragserve/internal/errors"
)

// csvHeader is the import and export column order.
var csvHeader = []string{"question", "answer", "category", "confidence", "keywords", "source"}

// importRecord is the permissive wire form of one incoming pair. Unknown
// fields, including foreign timestamp formats, are ignored.
type importRecord struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords"`
	Source     string   `json:"source"`
}

// ImportOptions controls duplicate handling during import.
type ImportOptions struct {
	// OverwriteExisting replaces the matched pair when an incoming question
	// embeds within the similarity threshold of an existing one; when false
	// the incoming record is skipped and counted as a duplicate.
	OverwriteExisting bool
}

// FailedRecord names one record that could not be imported.
type FailedRecord struct {
	Index    int    `json:"index"`
	Question string `json:"question,omitempty"`
	Reason   string `json:"reason"`
}

// ImportResult aggregates an import run.
type ImportResult struct {
	Processed        int            `json:"processed"`
	Succeeded        int            `json:"succeeded"`
	Failed           int            `json:"failed"`
	DuplicateSkipped int            `json:"duplicate_skipped"`
	AddedIDs         []string       `json:"added_ids,omitempty"`
	FailedRecords    []FailedRecord `json:"failed_records,omitempty"`
}

// Import parses the payload by file extension and lands the records,
// category by category, under the same multi-lock discipline as a batch
// add. Overwrites keep the existing pair id and creation time.
func (s *Store) Import(ctx context.Context, filename string, data []byte, opts ImportOptions) (ImportResult, error) {
	var (
		records   []importRecord
		preFailed []FailedRecord
		err       error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".json":
		records, err = parseJSONRecords(data)
	case ".csv":
		records, preFailed, err = parseCSVRecords(data)
	case ".xlsx", ".xls":
		return ImportResult{}, apperrors.BadInput(
			"spreadsheet import is not supported; provide .json or .csv")
	default:
		return ImportResult{}, apperrors.BadInput(
			"unsupported import format %q; provide .json or .csv", ext)
	}
	if err != nil {
		return ImportResult{}, err
	}

	res := ImportResult{
		Processed:     len(records) + len(preFailed),
		Failed:        len(preFailed),
		FailedRecords: preFailed,
	}

	type item struct {
		idx  int
		pair Pair
	}
	groups := make(map[string][]item)
	for i, rec := range records {
		p := Pair{
			ID:         rec.ID,
			Question:   rec.Question,
			Answer:     rec.Answer,
			Category:   rec.Category,
			Confidence: rec.Confidence,
			Keywords:   rec.Keywords,
			Source:     rec.Source,
		}
		if err := p.normalize(0.9, "import"); err != nil {
			res.Failed++
			res.FailedRecords = append(res.FailedRecords, FailedRecord{
				Index: i, Question: rec.Question, Reason: err.Error(),
			})
			continue
		}
		groups[p.Category] = append(groups[p.Category], item{idx: i, pair: p})
	}
	if len(groups) == 0 {
		return res, nil
	}

	names := make([]string, 0, len(groups))
	lockNames := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
		lockNames = append(lockNames, "qa:"+name)
	}
	sort.Strings(names)
	handle, err := s.locks.AcquireMany(ctx, lockNames, "import")
	if err != nil {
		return ImportResult{}, err
	}
	defer handle.Release()

	for _, name := range names {
		items := groups[name]
		fail := func(it item, reason string) {
			res.Failed++
			res.FailedRecords = append(res.FailedRecords, FailedRecord{
				Index: it.idx, Question: it.pair.Question, Reason: reason,
			})
		}

		c, err := s.loadOrCreateLocked(name)
		if err != nil {
			for _, it := range items {
				fail(it, err.Error())
			}
			continue
		}
		questions := make([]string, len(items))
		for i, it := range items {
			questions[i] = it.pair.Question
		}
		vecs, err := s.embedder.Embed(ctx, questions)
		if err != nil || len(vecs) != len(items) {
			reason := "embedding count mismatch"
			if err != nil {
				reason = err.Error()
			}
			for _, it := range items {
				fail(it, reason)
			}
			continue
		}

		// applied tracks every change for rollback if persist fails.
		type applied struct {
			it       item
			id       string
			prevPair *Pair
			prevVec  []float32
		}
		var changes []applied
		for i, it := range items {
			p := it.pair
			dup, sim := nearestPair(c, vecs[i])
			if dup != nil && sim >= s.threshold {
				if !opts.OverwriteExisting {
					res.DuplicateSkipped++
					continue
				}
				next := p
				next.ID = dup.ID
				next.CreatedAt = dup.CreatedAt
				prevVec := c.rows[c.pos[dup.ID]]
				if err := c.upsert(&next, vecs[i]); err != nil {
					fail(it, err.Error())
					continue
				}
				changes = append(changes, applied{it: it, id: next.ID, prevPair: dup, prevVec: prevVec})
				continue
			}
			if err := c.upsert(&p, vecs[i]); err != nil {
				fail(it, err.Error())
				continue
			}
			changes = append(changes, applied{it: it, id: p.ID})
		}
		if len(changes) == 0 {
			continue
		}
		if err := c.persist(); err != nil {
			for i := len(changes) - 1; i >= 0; i-- {
				ch := changes[i]
				if ch.prevPair == nil {
					c.remove(ch.id)
				} else {
					c.upsert(ch.prevPair, ch.prevVec)
				}
			}
			for _, ch := range changes {
				fail(ch.it, err.Error())
			}
			continue
		}
		s.mu.Lock()
		for _, ch := range changes {
			s.byID[ch.id] = name
		}
		s.mu.Unlock()
		res.Succeeded += len(changes)
		for _, ch := range changes {
			if ch.prevPair == nil {
				res.AddedIDs = append(res.AddedIDs, ch.id)
			}
		}
	}

	s.logger.Info("qa import finished",
		zap.String("file", filename),
		zap.Int("processed", res.Processed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("duplicate_skipped", res.DuplicateSkipped))
	return res, nil
}

// parseJSONRecords accepts a bare array or the export payload shape.
func parseJSONRecords(data []byte) ([]importRecord, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, apperrors.BadInput("import payload is empty")
	}
	if trim[0] == '[' {
		var records []importRecord
		if err := json.Unmarshal(trim, &records); err != nil {
			return nil, apperrors.BadInput("invalid JSON array: %v", err)
		}
		return records, nil
	}
	var payload struct {
		QAPairs []importRecord `json:"qa_pairs"`
	}
	if err := json.Unmarshal(trim, &payload); err != nil {
		return nil, apperrors.BadInput("invalid JSON object: %v", err)
	}
	if payload.QAPairs == nil {
		return nil, apperrors.BadInput("JSON object must carry a qa_pairs array")
	}
	return payload.QAPairs, nil
}

// parseCSVRecords reads the header row to locate columns, so column order
// is free. Rows that fail to parse become failed records rather than
// aborting the file.
func parseCSVRecords(data []byte) ([]importRecord, []FailedRecord, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, apperrors.BadInput("invalid CSV: %v", err)
	}
	if len(rows) == 0 {
		return nil, nil, apperrors.BadInput("CSV payload is empty")
	}

	cols := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"question", "answer"} {
		if _, ok := cols[required]; !ok {
			return nil, nil, apperrors.BadInput("CSV header is missing the %q column", required)
		}
	}

	field := func(row []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	var (
		records []importRecord
		failed  []FailedRecord
	)
	for i, row := range rows[1:] {
		rec := importRecord{
			Question: field(row, "question"),
			Answer:   field(row, "answer"),
			Category: field(row, "category"),
			Source:   field(row, "source"),
		}
		if raw := field(row, "confidence"); raw != "" {
			conf, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				failed = append(failed, FailedRecord{
					Index: i, Question: rec.Question,
					Reason: fmt.Sprintf("confidence %q is not a number", raw),
				})
				continue
			}
			rec.Confidence = conf
		}
		if raw := field(row, "keywords"); raw != "" {
			for _, kw := range strings.Split(raw, ";") {
				if kw = strings.TrimSpace(kw); kw != "" {
					rec.Keywords = append(rec.Keywords, kw)
				}
			}
		}
		records = append(records, rec)
	}
	return records, failed, nil
}

// ============================================================================
// EXPORT
// ============================================================================

// ExportMetadata describes an export payload.
type ExportMetadata struct {
	ExportTime time.Time `json:"export_time"`
	TotalPairs int       `json:"total_pairs"`
	Version    string    `json:"version"`
}

// ExportPayload is the JSON dump shape; the same shape round-trips back
// through Import.
type ExportPayload struct {
	Metadata ExportMetadata `json:"metadata"`
	QAPairs  []Pair         `json:"qa_pairs"`
}

// Export dumps every pair, or one category's pairs when category is set.
func (s *Store) Export(ctx context.Context, category string) (ExportPayload, error) {
	var names []string
	if category != "" {
		if err := validateCategoryName(category); err != nil {
			return ExportPayload{}, err
		}
		s.mu.Lock()
		_, known := s.cats[category]
		s.mu.Unlock()
		if !known {
			return ExportPayload{}, apperrors.NotFound("category %q does not exist", category)
		}
		names = []string{category}
	} else {
		names = s.knownCategories()
	}
	pairs, err := s.collectPairs(ctx, names)
	if err != nil {
		return ExportPayload{}, err
	}
	if pairs == nil {
		pairs = []Pair{}
	}
	return ExportPayload{
		Metadata: ExportMetadata{
			ExportTime: time.Now(),
			TotalPairs: len(pairs),
			Version:    "1.0",
		},
		QAPairs: pairs,
	}, nil
}

// EncodeCSV writes pairs in the import column order. Keywords join with
// semicolons.
func EncodeCSV(w io.Writer, pairs []Pair) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, p := range pairs {
		row := []string{
			p.Question,
			p.Answer,
			p.Category,
			strconv.FormatFloat(p.Confidence, 'f', -1, 64),
			strings.Join(p.Keywords, ";"),
			p.Source,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
