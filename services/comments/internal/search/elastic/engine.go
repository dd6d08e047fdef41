// Package elastic implements search.Engine on Elasticsearch 7.
package elastic

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/olivere/elastic/v7"
	"go.uber.org/zap"

	"github.com/example/comment-tree/services/comments/internal/search"
)

//go:embed index.json
var indexBody string

// versionType lets an event with the same version overwrite (idempotent
// redelivery) while older versions are rejected with 409.
const versionType = "external_gte"

const (
	authorSuggest  = "author_suggest"
	contentSuggest = "content_suggest"
)

type Options struct {
	URL      string
	Username string
	Password string
	Index    string
	// Timeout bounds every request that arrives without a deadline.
	Timeout time.Duration
}

type Engine struct {
	client  *elastic.Client
	index   string
	url     string
	timeout time.Duration
	log     *zap.Logger
}

// New builds a client without sniffing or start-up health checks so that a
// missing cluster does not prevent the process from starting.
func New(opts Options, log *zap.Logger) (*Engine, error) {
	if opts.Index == "" {
		opts.Index = "comments"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	clientOpts := []elastic.ClientOptionFunc{
		elastic.SetURL(opts.URL),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts, elastic.SetBasicAuth(opts.Username, opts.Password))
	}
	client, err := elastic.NewClient(clientOpts...)
	if err != nil {
		return nil, err
	}
	return &Engine{client: client, index: opts.Index, url: opts.URL, timeout: opts.Timeout, log: log.Named("elastic")}, nil
}

// esDocument is the stored source: the document plus completion inputs.
type esDocument struct {
	search.Document
	AuthorSuggest  completion `json:"author_suggest"`
	ContentSuggest completion `json:"content_suggest"`
}

type completion struct {
	Input []string `json:"input"`
}

func toES(d search.Document) esDocument {
	return esDocument{
		Document:       d,
		AuthorSuggest:  completion{Input: []string{d.Author}},
		ContentSuggest: completion{Input: search.SuggestWords(d.Content)},
	}
}

func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Engine) EnsureIndex(ctx context.Context) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	ok, err := e.client.IndexExists(e.index).Do(ctx)
	if err != nil {
		return unavailable(err)
	}
	if ok {
		return nil
	}
	_, err = e.client.CreateIndex(e.index).Body(indexBody).Do(ctx)
	if err != nil && !isAlreadyExists(err) {
		return err
	}
	e.log.Info("search index created", zap.String("index", e.index))
	return nil
}

func (e *Engine) Index(ctx context.Context, doc search.Document, version int64) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	_, err := e.client.Index().
		Index(e.index).
		Id(doc.ID).
		BodyJson(toES(doc)).
		Version(version).
		VersionType(versionType).
		Do(ctx)
	return classify("index", doc.ID, err)
}

func (e *Engine) Update(ctx context.Context, doc search.Document) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	_, err := e.client.Update().
		Index(e.index).
		Id(doc.ID).
		Doc(toES(doc)).
		RetryOnConflict(3).
		Do(ctx)
	if elastic.IsNotFound(err) {
		return search.ErrConflict
	}
	return classify("update", doc.ID, err)
}

func (e *Engine) Delete(ctx context.Context, id string, version int64) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	_, err := e.client.Delete().
		Index(e.index).
		Id(id).
		Version(version).
		VersionType(versionType).
		Do(ctx)
	if elastic.IsNotFound(err) {
		return nil
	}
	return classify("delete", id, err)
}

func (e *Engine) BulkIndex(ctx context.Context, docs []search.Document, version int64) (search.BulkResult, error) {
	if len(docs) == 0 {
		return search.BulkResult{}, nil
	}
	bulk := e.client.Bulk().Index(e.index)
	for _, d := range docs {
		bulk.Add(elastic.NewBulkIndexRequest().Id(d.ID).Doc(toES(d)).Version(version).VersionType(versionType))
	}
	return e.doBulk(ctx, bulk)
}

func (e *Engine) BulkDelete(ctx context.Context, ids []string, version int64) (search.BulkResult, error) {
	if len(ids) == 0 {
		return search.BulkResult{}, nil
	}
	bulk := e.client.Bulk().Index(e.index)
	for _, id := range ids {
		bulk.Add(elastic.NewBulkDeleteRequest().Id(id).Version(version).VersionType(versionType))
	}
	return e.doBulk(ctx, bulk)
}

func (e *Engine) doBulk(ctx context.Context, bulk *elastic.BulkService) (search.BulkResult, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	resp, err := bulk.Do(ctx)
	if err != nil {
		return search.BulkResult{}, unavailable(err)
	}
	return bulkResult(resp), nil
}

func bulkResult(resp *elastic.BulkResponse) search.BulkResult {
	var res search.BulkResult
	for _, item := range resp.Items {
		for op, it := range item {
			switch {
			case it.Status >= 200 && it.Status < 300:
				res.Succeeded++
			case it.Status == 404 && op == "delete":
				res.Succeeded++
			case it.Status == 409:
				res.Conflicts++
			default:
				reason := fmt.Sprintf("status %d", it.Status)
				if it.Error != nil {
					reason = it.Error.Type + ": " + it.Error.Reason
				}
				res.Failed = append(res.Failed, search.BulkFailure{ID: it.Id, Reason: reason})
			}
		}
	}
	return res
}

func (e *Engine) Search(ctx context.Context, q search.Query) ([]search.Hit, error) {
	q = q.Normalize()
	ctx, cancel := e.bound(ctx)
	defer cancel()

	svc := e.client.Search().
		Index(e.index).
		Query(buildQuery(q)).
		SortBy(elastic.NewScoreSort().Desc(), elastic.NewFieldSort("timestamp").Desc()).
		TrackScores(true).
		Size(q.Size)
	if q.Text != "" {
		svc = svc.Highlight(buildHighlight())
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, unavailable(err)
	}

	hits := make([]search.Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		var d search.Document
		if err := json.Unmarshal(h.Source, &d); err != nil {
			return nil, fmt.Errorf("decode hit %s: %w", h.Id, err)
		}
		hit := search.Hit{Document: d}
		if h.Score != nil {
			hit.Score = *h.Score
		}
		if len(h.Highlight) > 0 {
			hit.Highlights = map[string][]string(h.Highlight)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func buildQuery(q search.Query) elastic.Query {
	var filters []elastic.Query
	if q.Filters.Level != nil {
		filters = append(filters, elastic.NewTermQuery("level", *q.Filters.Level))
	}
	if q.Filters.Author != "" {
		filters = append(filters, elastic.NewTermQuery("author.keyword", q.Filters.Author))
	}
	if q.Filters.Homepage != "" {
		filters = append(filters, elastic.NewTermQuery("homepage.keyword", q.Filters.Homepage))
	}

	if q.Text == "" && len(filters) == 0 {
		return elastic.NewMatchAllQuery()
	}
	bq := elastic.NewBoolQuery()
	if q.Text != "" {
		fields := make([]string, 0, len(q.Fields))
		for _, f := range q.Fields {
			fields = append(fields, fmt.Sprintf("%s^%g", f.Field, f.Boost))
		}
		bq = bq.Must(elastic.NewMultiMatchQuery(q.Text, fields...).Type("best_fields").Fuzziness("AUTO"))
	}
	if len(filters) > 0 {
		bq = bq.Filter(filters...)
	}
	return bq
}

func buildHighlight() *elastic.Highlight {
	fields := make([]*elastic.HighlighterField, 0, len(search.HighlightFields))
	for _, f := range search.HighlightFields {
		fields = append(fields, elastic.NewHighlighterField(string(f)))
	}
	return elastic.NewHighlight().Fields(fields...)
}

func (e *Engine) Suggest(ctx context.Context, prefix string, size int) ([]string, error) {
	if size <= 0 {
		size = 5
	}
	if prefix == "" {
		return []string{}, nil
	}
	ctx, cancel := e.bound(ctx)
	defer cancel()

	resp, err := e.client.Search().
		Index(e.index).
		Suggester(elastic.NewCompletionSuggester(authorSuggest).Field(authorSuggest).Prefix(prefix).Size(size).SkipDuplicates(true)).
		Suggester(elastic.NewCompletionSuggester(contentSuggest).Field(contentSuggest).Prefix(prefix).Size(size).SkipDuplicates(true)).
		FetchSource(false).
		Size(0).
		Do(ctx)
	if err != nil {
		return nil, unavailable(err)
	}

	lists := make([][]string, 0, 2)
	for _, name := range []string{authorSuggest, contentSuggest} {
		var texts []string
		for _, s := range resp.Suggest[name] {
			for _, opt := range s.Options {
				texts = append(texts, opt.Text)
			}
		}
		lists = append(lists, texts)
	}
	return search.MergeSuggestions(size, lists...), nil
}

func (e *Engine) IDs(ctx context.Context, fn func(ids []string) error) error {
	scroll := e.client.Scroll(e.index).
		Query(elastic.NewMatchAllQuery()).
		FetchSource(false).
		Size(500)
	defer func() { _ = scroll.Clear(context.Background()) }()

	for {
		resp, err := scroll.Do(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return unavailable(err)
		}
		ids := make([]string, 0, len(resp.Hits.Hits))
		for _, h := range resp.Hits.Hits {
			ids = append(ids, h.Id)
		}
		if err := fn(ids); err != nil {
			return err
		}
	}
}

func (e *Engine) Count(ctx context.Context) (int64, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	n, err := e.client.Count(e.index).Do(ctx)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if _, _, err := e.client.Ping(e.url).Do(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Refresh makes recent writes visible to search; used by sync and tests.
func (e *Engine) Refresh(ctx context.Context) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	_, err := e.client.Refresh(e.index).Do(ctx)
	return err
}

func (e *Engine) Close() {
	e.client.Stop()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", search.ErrUnavailable, err)
}

// classify maps a write error onto the search package's taxonomy.
func classify(op, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case elastic.IsConflict(err):
		return search.ErrConflict
	case elastic.IsConnErr(err), elastic.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return unavailable(err)
	default:
		return &search.IndexError{Op: op, ID: id, Err: err}
	}
}

func isAlreadyExists(err error) bool {
	var e *elastic.Error
	return errors.As(err, &e) && e.Details != nil && e.Details.Type == "resource_already_exists_exception"
}

var _ search.Engine = (*Engine)(nil)
