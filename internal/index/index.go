// Package index projects durable records into a semantic vector index.
//
// Every observation and summary is split into facet documents, one per
// meaningful field, keyed obs_<id>_<facet> or sum_<id>_<facet>. The durable
// store stays the source of truth: the index may lag behind it and is
// repaired by backfill.
package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/HendryAvila/recall/internal/memory"
)

// ErrSyncFailed marks a record whose projection into the index failed.
var ErrSyncFailed = errors.New("index: sync failed")

// ErrBadDocID is returned for document ids that do not name a record facet.
var ErrBadDocID = errors.New("index: malformed document id")

// Document is one embeddable facet of a record.
type Document struct {
	ID       string            `json:"id"`
	Kind     memory.RecordKind `json:"kind"`
	RecordID int64             `json:"record_id"`
	Facet    string            `json:"facet"`
	Project  string            `json:"project"`
	Epoch    int64             `json:"created_at_epoch"`
	Text     string            `json:"text"`
}

// Ref returns the record the document belongs to.
func (d Document) Ref() memory.RecordRef {
	return memory.RecordRef{Kind: d.Kind, ID: d.RecordID}
}

// Entry pairs a document with its embedding.
type Entry struct {
	Document
	Vector []float32
}

// Hit is one nearest-neighbour result, best first.
type Hit struct {
	DocID    string            `json:"doc_id"`
	Kind     memory.RecordKind `json:"kind"`
	RecordID int64             `json:"record_id"`
	Project  string            `json:"project"`
	Epoch    int64             `json:"created_at_epoch"`
	Score    float64           `json:"score"`
}

// Ref returns the record the hit belongs to.
func (h Hit) Ref() memory.RecordRef {
	return memory.RecordRef{Kind: h.Kind, ID: h.RecordID}
}

// QueryOptions narrows a vector query.
type QueryOptions struct {
	TopK    int
	Project string
	// Since drops documents whose record is older than this epoch (unix ms).
	// Zero keeps all of them.
	Since int64
	// MinScore drops documents whose similarity is not above it. Values
	// below zero are treated as zero, so orthogonal documents never match.
	MinScore float64
}

// VectorIndex stores facet embeddings and answers top-K similarity queries.
type VectorIndex interface {
	Upsert(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// ─── Document ids ────────────────────────────────────────────────────────────

func kindPrefix(k memory.RecordKind) string {
	if k == memory.KindSummary {
		return "sum"
	}
	return "obs"
}

// DocID builds the facet document id of a record.
func DocID(kind memory.RecordKind, id int64, facet string) string {
	return kindPrefix(kind) + "_" + strconv.FormatInt(id, 10) + "_" + facet
}

// ParseDocID resolves a facet document id back to its record and facet.
func ParseDocID(docID string) (memory.RecordRef, string, error) {
	prefix, rest, ok := strings.Cut(docID, "_")
	if !ok {
		return memory.RecordRef{}, "", fmt.Errorf("%w: %q", ErrBadDocID, docID)
	}
	var kind memory.RecordKind
	switch prefix {
	case "obs":
		kind = memory.KindObservation
	case "sum":
		kind = memory.KindSummary
	default:
		return memory.RecordRef{}, "", fmt.Errorf("%w: %q", ErrBadDocID, docID)
	}
	idPart, facet, ok := strings.Cut(rest, "_")
	if !ok || facet == "" {
		return memory.RecordRef{}, "", fmt.Errorf("%w: %q", ErrBadDocID, docID)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return memory.RecordRef{}, "", fmt.Errorf("%w: %q", ErrBadDocID, docID)
	}
	return memory.RecordRef{Kind: kind, ID: id}, facet, nil
}

// ObservationDocuments splits an observation into its facet documents.
// Empty fields produce no document.
func ObservationDocuments(o *memory.Observation) []Document {
	base := Document{Kind: memory.KindObservation, RecordID: o.ID, Project: o.Project, Epoch: o.CreatedAtEpoch}
	var docs []Document
	add := func(facet, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		d := base
		d.Facet = facet
		d.ID = DocID(d.Kind, d.RecordID, facet)
		d.Text = text
		docs = append(docs, d)
	}
	title := o.Title
	if o.Subtitle != "" {
		title = strings.TrimSpace(title + " " + o.Subtitle)
	}
	add("title", title)
	add("narrative", o.Narrative)
	for i, f := range o.Facts {
		add("fact_"+strconv.Itoa(i), f)
	}
	return docs
}

// SummaryDocuments splits a summary into its facet documents.
func SummaryDocuments(s *memory.Summary) []Document {
	base := Document{Kind: memory.KindSummary, RecordID: s.ID, Project: s.Project, Epoch: s.CreatedAtEpoch}
	fields := []struct{ facet, text string }{
		{"request", s.Request},
		{"investigated", s.Investigated},
		{"learned", s.Learned},
		{"completed", s.Completed},
		{"next_steps", s.NextSteps},
		{"notes", s.Notes},
	}
	var docs []Document
	for _, f := range fields {
		if strings.TrimSpace(f.text) == "" {
			continue
		}
		d := base
		d.Facet = f.facet
		d.ID = DocID(d.Kind, d.RecordID, f.facet)
		d.Text = f.text
		docs = append(docs, d)
	}
	return docs
}

// CollapseHits keeps the best-scoring hit of each record, in rank order.
func CollapseHits(hits []Hit) []Hit {
	if len(hits) == 0 {
		return nil
	}
	seen := make(map[memory.RecordRef]bool, len(hits))
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		ref := h.Ref()
		if seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, h)
	}
	return out
}
