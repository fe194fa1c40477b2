// Package extract turns normalized document text into validated deliverables.
// It chunks oversized documents, fans chunks out to the extraction capability,
// merges and de-duplicates candidates, and runs every survivor through the
// schema validator. Bad candidates never poison the batch: valid deliverables
// and per-field validation errors come back side by side.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"slated/internal/eventbus"
	"slated/internal/schema"
	"slated/internal/transport"
	logx "slated/pkg/logx"
)

// DefaultChunkBytes is the size above which documents are split on section
// boundaries. Keeps the extraction capability's context bounded.
const DefaultChunkBytes = 4096

// ErrUnavailable means the extraction capability could not be reached.
// Nothing partial is returned alongside it.
var ErrUnavailable = errors.New("extraction capability unavailable")

type Pipeline struct {
	ext        transport.Extractor
	log        logx.Logger
	bus        eventbus.Bus
	chunkBytes int
}

// Result carries every outcome of one document pass. Deliverables and Errors
// are independent: a malformed date in one candidate must not discard the rest.
type Result struct {
	Deliverables []schema.Deliverable
	Errors       []schema.ValidationError
}

func New(ext transport.Extractor, chunkBytes int, log logx.Logger, bus eventbus.Bus) *Pipeline {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{ext: ext, log: log, bus: bus, chunkBytes: chunkBytes}
}

// Extract runs the full pipeline for one document. The returned slice may be
// empty; that is not an error.
func (p *Pipeline) Extract(ctx context.Context, text, documentID, userID string) (Result, error) {
	if p.ext == nil {
		return Result{}, ErrUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}

	chunks := splitSections(text, p.chunkBytes)

	type located struct {
		raw    json.RawMessage
		offset int
	}
	var candidates []located
	for _, ch := range chunks {
		raws, err := p.ext.Extract(ctx, ch.text)
		if err != nil {
			// No partial results: a half-extracted document is worse than a
			// retriable failure.
			return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, raw := range raws {
			candidates = append(candidates, located{raw: raw, offset: ch.offset})
		}
	}

	seen := map[string]bool{}
	var res Result
	for i, c := range candidates {
		key := dedupKey(c.raw, i)
		if seen[key] {
			continue
		}
		seen[key] = true

		d, verrs := schema.Validate(c.raw, schema.CandidateRef{
			DocumentID: documentID,
			UserID:     userID,
			Index:      i,
		})
		if len(verrs) > 0 {
			res.Errors = append(res.Errors, verrs...)
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverableRejected, Data: verrs})
			}
			continue
		}

		// Source spans come back chunk-relative; shift to document offsets.
		d.SourceStart += c.offset
		d.SourceEnd += c.offset
		res.Deliverables = append(res.Deliverables, d)
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverableExtracted, Data: d})
		}
	}

	p.log.Info("document extracted",
		logx.String("document", documentID),
		logx.Int("chunks", len(chunks)),
		logx.Int("deliverables", len(res.Deliverables)),
		logx.Int("rejected_fields", len(res.Errors)),
	)
	return res, nil
}

// dedupKey collapses candidates that share a title (case- and
// whitespace-folded) and a due date on the same UTC calendar day.
// Candidates without a parsable due instant never collide; the validator
// reports them individually.
func dedupKey(raw json.RawMessage, index int) string {
	var c schema.RawCandidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Sprintf("#%d", index)
	}
	due, err := time.Parse(time.RFC3339, strings.TrimSpace(c.DueAt))
	if err != nil {
		return fmt.Sprintf("#%d", index)
	}
	title := strings.Join(strings.Fields(strings.ToLower(c.Title)), " ")
	if title == "" {
		return fmt.Sprintf("#%d", index)
	}
	return title + "|" + due.UTC().Format("2006-01-02")
}

type section struct {
	offset int
	text   string
}

// splitSections keeps a short document whole and splits a long one on blank
// lines, packing adjacent sections while they fit. A single oversized section
// is split hard at the limit.
func splitSections(text string, max int) []section {
	if len(text) <= max {
		return []section{{offset: 0, text: text}}
	}

	var out []section
	flushFrom := 0
	pos := 0
	rest := text
	for {
		idx := strings.Index(rest, "\n\n")
		var end int
		if idx < 0 {
			end = len(text)
		} else {
			end = pos + idx + 2
		}

		if end-flushFrom > max && flushFrom < pos {
			out = append(out, section{offset: flushFrom, text: text[flushFrom:pos]})
			flushFrom = pos
		}
		// Hard-split a single section that alone exceeds the limit.
		for end-flushFrom > max {
			out = append(out, section{offset: flushFrom, text: text[flushFrom : flushFrom+max]})
			flushFrom += max
		}

		if idx < 0 {
			break
		}
		pos = end
		rest = text[pos:]
	}
	if flushFrom < len(text) {
		out = append(out, section{offset: flushFrom, text: text[flushFrom:]})
	}
	return out
}
