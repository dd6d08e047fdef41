package search

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTombstoneRetention bounds how long a deleted id rejects late writes.
// It has to outlast redelivery of the events for that id.
const DefaultTombstoneRetention = 10 * time.Minute

// MemoryEngine is an in-process Engine with the same versioning, filter and
// ranking rules as the Elasticsearch adapter. Deleted ids keep a tombstone
// version so that late, older writes stay rejected, until the retention
// window passes.
type MemoryEngine struct {
	mu         sync.RWMutex
	docs       map[string]versioned
	tombstones map[string]tombstone
	retention  time.Duration
	now        func() time.Time
	pruned     time.Time
	down       error
}

type tombstone struct {
	version int64
	at      time.Time
}

type MemoryOption func(*MemoryEngine)

// WithTombstoneRetention sets how long deleted ids are remembered.
func WithTombstoneRetention(d time.Duration) MemoryOption {
	return func(e *MemoryEngine) { e.retention = d }
}

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(e *MemoryEngine) { e.now = now }
}

type versioned struct {
	doc     Document
	version int64
}

func NewMemoryEngine(opts ...MemoryOption) *MemoryEngine {
	e := &MemoryEngine{
		docs:       make(map[string]versioned),
		tombstones: make(map[string]tombstone),
		retention:  DefaultTombstoneRetention,
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetUnavailable makes every call fail with ErrUnavailable while true.
func (e *MemoryEngine) SetUnavailable(down bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if down {
		e.down = ErrUnavailable
	} else {
		e.down = nil
	}
}

func (e *MemoryEngine) check(ctx context.Context) error {
	if e.down != nil {
		return e.down
	}
	if ctx.Err() != nil {
		return ErrUnavailable
	}
	return nil
}

func (e *MemoryEngine) EnsureIndex(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.check(ctx)
}

func (e *MemoryEngine) Index(ctx context.Context, doc Document, version int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx); err != nil {
		return err
	}
	return e.indexLocked(doc, version)
}

func (e *MemoryEngine) indexLocked(doc Document, version int64) error {
	if cur, ok := e.docs[doc.ID]; ok && cur.version > version {
		return ErrConflict
	}
	if tomb, ok := e.tombstones[doc.ID]; ok && tomb.version > version {
		return ErrConflict
	}
	delete(e.tombstones, doc.ID)
	e.docs[doc.ID] = versioned{doc: doc, version: version}
	return nil
}

func (e *MemoryEngine) Update(ctx context.Context, doc Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx); err != nil {
		return err
	}
	cur, ok := e.docs[doc.ID]
	if !ok {
		return ErrConflict
	}
	merged := cur.doc
	if doc.Author != "" {
		merged.Author = doc.Author
	}
	if doc.Email != "" {
		merged.Email = doc.Email
	}
	if doc.Homepage != nil {
		merged.Homepage = doc.Homepage
	}
	if doc.Content != "" {
		merged.Content = doc.Content
	}
	if !doc.Timestamp.IsZero() {
		merged.Timestamp = doc.Timestamp
	}
	if doc.ParentID != nil {
		merged.ParentID = doc.ParentID
	}
	if doc.Level != 0 {
		merged.Level = doc.Level
	}
	e.docs[doc.ID] = versioned{doc: merged, version: cur.version}
	return nil
}

func (e *MemoryEngine) Delete(ctx context.Context, id string, version int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx); err != nil {
		return err
	}
	return e.deleteLocked(id, version)
}

func (e *MemoryEngine) deleteLocked(id string, version int64) error {
	if cur, ok := e.docs[id]; ok && cur.version > version {
		return ErrConflict
	}
	delete(e.docs, id)
	now := e.now()
	if tomb, ok := e.tombstones[id]; !ok || tomb.version < version {
		e.tombstones[id] = tombstone{version: version, at: now}
	}
	e.pruneLocked(now)
	return nil
}

// pruneLocked drops tombstones older than the retention window. It sweeps at
// most once per half window.
func (e *MemoryEngine) pruneLocked(now time.Time) {
	if now.Sub(e.pruned) < e.retention/2 {
		return
	}
	e.pruned = now
	for id, tomb := range e.tombstones {
		if now.Sub(tomb.at) > e.retention {
			delete(e.tombstones, id)
		}
	}
}

// Tombstones reports how many deleted ids are still remembered.
func (e *MemoryEngine) Tombstones() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tombstones)
}

func (e *MemoryEngine) BulkIndex(ctx context.Context, docs []Document, version int64) (BulkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx); err != nil {
		return BulkResult{}, err
	}
	var res BulkResult
	for _, d := range docs {
		switch err := e.indexLocked(d, version); err {
		case nil:
			res.Succeeded++
		case ErrConflict:
			res.Conflicts++
		default:
			res.Failed = append(res.Failed, BulkFailure{ID: d.ID, Reason: err.Error()})
		}
	}
	return res, nil
}

func (e *MemoryEngine) BulkDelete(ctx context.Context, ids []string, version int64) (BulkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx); err != nil {
		return BulkResult{}, err
	}
	var res BulkResult
	for _, id := range ids {
		if err := e.deleteLocked(id, version); err == ErrConflict {
			res.Conflicts++
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

func (e *MemoryEngine) Search(ctx context.Context, q Query) ([]Hit, error) {
	q = q.Normalize()
	terms := tokenize(q.Text)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(ctx); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0)
	for _, v := range e.docs {
		d := v.doc
		if !matchesFilters(d, q.Filters) {
			continue
		}
		if len(terms) == 0 {
			hits = append(hits, Hit{Document: d, Score: 0})
			continue
		}
		score, matched := scoreDocument(d, terms, q.Fields)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{Document: d, Score: score, Highlights: highlight(d, matched)})
	}

	SortHits(hits)
	if len(hits) > q.Size {
		hits = hits[:q.Size]
	}
	return hits, nil
}

// SortHits orders by score, then by newest timestamp, then by id.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Timestamp.Equal(hits[j].Timestamp) {
			return hits[i].Timestamp.After(hits[j].Timestamp)
		}
		return hits[i].ID < hits[j].ID
	})
}

func matchesFilters(d Document, f Filters) bool {
	if f.Level != nil && d.Level != *f.Level {
		return false
	}
	if f.Author != "" && d.Author != f.Author {
		return false
	}
	if f.Homepage != "" && (d.Homepage == nil || *d.Homepage != f.Homepage) {
		return false
	}
	return true
}

func fieldText(d Document, f Field) string {
	switch f {
	case FieldAuthor:
		return d.Author
	case FieldContent:
		return d.Content
	case FieldHomepage:
		if d.Homepage != nil {
			return *d.Homepage
		}
	}
	return ""
}

// scoreDocument applies best_fields semantics: the document scores as its
// best single field. It also returns the matched tokens per field.
func scoreDocument(d Document, terms []string, fields []WeightedField) (float64, map[Field]map[string]bool) {
	best := 0.0
	matched := make(map[Field]map[string]bool)
	for _, wf := range fields {
		tokens := tokenize(fieldText(d, wf.Field))
		fieldScore := 0.0
		for _, term := range terms {
			termBest := 0.0
			for _, tok := range tokens {
				if s := termScore(term, tok); s > 0 {
					if matched[wf.Field] == nil {
						matched[wf.Field] = make(map[string]bool)
					}
					matched[wf.Field][tok] = true
					termBest = max(termBest, s)
				}
			}
			fieldScore += termBest
		}
		best = max(best, fieldScore*wf.Boost)
	}
	return best, matched
}

func highlight(d Document, matched map[Field]map[string]bool) map[string][]string {
	out := make(map[string][]string)
	for _, f := range HighlightFields {
		toks := matched[f]
		if len(toks) == 0 {
			continue
		}
		text := fieldText(d, f)
		var b strings.Builder
		start := -1
		flush := func(end int) {
			word := text[start:end]
			if toks[strings.ToLower(word)] {
				b.WriteString("<em>" + word + "</em>")
			} else {
				b.WriteString(word)
			}
			start = -1
		}
		for i, r := range text {
			isWord := isTokenRune(r)
			switch {
			case isWord && start < 0:
				start = i
			case !isWord && start >= 0:
				flush(i)
			}
			if !isWord {
				b.WriteRune(r)
			}
		}
		if start >= 0 {
			flush(len(text))
		}
		out[string(f)] = []string{b.String()}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *MemoryEngine) Suggest(ctx context.Context, prefix string, size int) ([]string, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if size <= 0 {
		size = 5
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	if prefix == "" {
		return []string{}, nil
	}

	docs := make([]Document, 0, len(e.docs))
	for _, v := range e.docs {
		docs = append(docs, v.doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Timestamp.After(docs[j].Timestamp) })

	var authors, words []string
	for _, d := range docs {
		if strings.HasPrefix(strings.ToLower(d.Author), prefix) && !slices.Contains(authors, d.Author) {
			authors = append(authors, d.Author)
		}
		for _, w := range SuggestWords(d.Content) {
			if strings.HasPrefix(w, prefix) && !slices.Contains(words, w) {
				words = append(words, w)
			}
		}
	}
	return MergeSuggestions(size, authors, words), nil
}

// MergeSuggestions concatenates the candidate lists in order, dropping
// duplicates, and keeps at most size entries.
func MergeSuggestions(size int, lists ...[]string) []string {
	out := make([]string, 0, size)
	for _, l := range lists {
		for _, s := range l {
			if len(out) == size {
				return out
			}
			if s != "" && !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}

// SuggestWords returns the distinct content words offered for completion.
func SuggestWords(content string) []string {
	var out []string
	for _, t := range tokenize(content) {
		if len([]rune(t)) >= 3 && !slices.Contains(out, t) {
			out = append(out, t)
		}
		if len(out) == 20 {
			break
		}
	}
	return out
}

func (e *MemoryEngine) IDs(ctx context.Context, fn func(ids []string) error) error {
	e.mu.RLock()
	if err := e.check(ctx); err != nil {
		e.mu.RUnlock()
		return err
	}
	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	sort.Strings(ids)
	for start := 0; start < len(ids); start += 500 {
		if err := fn(ids[start:min(start+500, len(ids))]); err != nil {
			return err
		}
	}
	return nil
}

func (e *MemoryEngine) Count(ctx context.Context) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.check(ctx); err != nil {
		return 0, err
	}
	return int64(len(e.docs)), nil
}

func (e *MemoryEngine) Ping(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.check(ctx)
}

// Get returns the stored document, for tests and diagnostics.
func (e *MemoryEngine) Get(id string) (Document, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.docs[id]
	return v.doc, ok
}
