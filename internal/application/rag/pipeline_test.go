package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imovia-rag-api/internal/config"
	"imovia-rag-api/internal/domain/entity"
	"imovia-rag-api/internal/domain/repository"
	apperrors "imovia-rag-api/pkg/errors"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return len(f.vec) }

type fakeVectorStore struct {
	results  []entity.SearchResult
	err      error
	upserted map[string]int
	deleted  []string
}

func (f *fakeVectorStore) UpsertChunks(ctx context.Context, documentID string, chunks []*entity.DocumentChunk) error {
	if f.err != nil {
		return f.err
	}
	if f.upserted == nil {
		f.upserted = map[string]int{}
	}
	f.upserted[documentID] = len(chunks)
	return nil
}

func (f *fakeVectorStore) SearchChunks(ctx context.Context, queryVector []float32, topK int, minSimilarity float64, filters *entity.SearchFilters) ([]entity.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeVectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	f.deleted = append(f.deleted, documentID)
	return nil
}

func (f *fakeVectorStore) HealthCheck(ctx context.Context) error { return nil }

type fakeLiteralSearcher struct {
	results  []entity.SearchResult
	err      error
	analysis entity.QueryAnalysis
}

func (f *fakeLiteralSearcher) Search(ctx context.Context, query string, limit int, filters *entity.SearchFilters) ([]entity.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeLiteralSearcher) AnalyzeQuery(query string) entity.QueryAnalysis { return f.analysis }

func (f *fakeLiteralSearcher) AssessQuality(ctx context.Context, query string, resultCount int) entity.QueryQuality {
	return entity.QueryQuality{Score: 0.5, Level: "regular"}
}

func (f *fakeLiteralSearcher) Suggestions(ctx context.Context, query string) []string {
	return []string{"apto", "flat"}
}

type fakeGenerator struct {
	answer string
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(ctx context.Context, query string, sources []entity.SearchResult, systemPrompt string, temperature float64) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeCache struct {
	store       map[string]*entity.RAGResponse
	loads       int
	invalidated int
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: map[string]*entity.RAGResponse{}}
}

func (f *fakeCache) GetOrLoadResponse(ctx context.Context, fingerprint string, ttl time.Duration, load func() (*entity.RAGResponse, error)) (*entity.RAGResponse, bool, error) {
	if cached, ok := f.store[fingerprint]; ok {
		hit := *cached
		return &hit, true, nil
	}
	f.loads++
	resp, err := load()
	if err != nil {
		return nil, false, err
	}
	f.store[fingerprint] = resp
	return resp, false, nil
}

func (f *fakeCache) InvalidateResponses(ctx context.Context) error {
	f.invalidated++
	f.store = map[string]*entity.RAGResponse{}
	return nil
}

type fakeDocRepo struct {
	docs   map[string]*entity.Document
	chunks map[string][]*entity.DocumentChunk
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{
		docs:   map[string]*entity.Document{},
		chunks: map[string][]*entity.DocumentChunk{},
	}
}

func (f *fakeDocRepo) Create(ctx context.Context, doc *entity.Document) error {
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocRepo) GetByID(ctx context.Context, id string) (*entity.Document, error) {
	return f.docs[id], nil
}

func (f *fakeDocRepo) Update(ctx context.Context, doc *entity.Document) error {
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocRepo) Delete(ctx context.Context, id string) error {
	delete(f.docs, id)
	delete(f.chunks, id)
	return nil
}

func (f *fakeDocRepo) List(ctx context.Context, filter *repository.DocumentFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.Document], error) {
	var docs []*entity.Document
	for _, d := range f.docs {
		docs = append(docs, d)
	}
	return repository.NewPagedResult(docs, int64(len(docs)), pagination), nil
}

func (f *fakeDocRepo) SaveChunks(ctx context.Context, documentID string, chunks []*entity.DocumentChunk) error {
	f.chunks[documentID] = chunks
	return nil
}

func (f *fakeDocRepo) Stats(ctx context.Context) (*entity.KnowledgeBaseStats, error) {
	totalChunks := 0
	for _, cs := range f.chunks {
		totalChunks += len(cs)
	}
	return &entity.KnowledgeBaseStats{
		TotalDocuments:    int64(len(f.docs)),
		TotalChunks:       int64(totalChunks),
		DocumentsByStatus: map[string]int64{},
	}, nil
}

type fakeTx struct{}

func (fakeTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func testRAGConfig() *config.RAGConfig {
	return &config.RAGConfig{
		Chunking: config.ChunkingConfig{ChunkSize: 1000, ChunkOverlap: 200},
		Retrieval: config.RetrievalConfig{
			DefaultTopK:          10,
			DefaultMinSimilarity: 0.5,
			QueryTopK:            5,
			QueryMinSimilarity:   0.7,
			Timeout:              5 * time.Second,
		},
		Fusion: config.FusionConfig{
			Method:          "adaptive",
			RRFK:            60,
			SemanticWeight:  0.6,
			LiteralWeight:   0.4,
			ExactMatchBoost: 0.1,
		},
		Caching: config.CachingConfig{
			Enabled:     true,
			ResponseTTL: time.Hour,
		},
	}
}

func semanticResults() []entity.SearchResult {
	return []entity.SearchResult{
		{ChunkID: "chunk_a1", DocumentID: "doc_1", Content: "Apartamento de 3 quartos no centro.", Score: 0.9, Source: entity.MatchSourceSemantic},
		{ChunkID: "chunk_a2", DocumentID: "doc_2", Content: "Casa com piscina no bairro Santa Mônica.", Score: 0.8, Source: entity.MatchSourceSemantic},
	}
}

func literalResults() []entity.SearchResult {
	return []entity.SearchResult{
		{ChunkID: "chunk_a1", DocumentID: "doc_1", Content: "Apartamento de 3 quartos no centro.", Score: 0.7, Source: entity.MatchSourceLiteral},
		{ChunkID: "chunk_b1", DocumentID: "doc_3", Content: "Lote comercial na avenida principal.", Score: 0.5, Source: entity.MatchSourceLiteral},
	}
}

func newTestPipeline(embedder *fakeEmbedder, vectors *fakeVectorStore, literal *fakeLiteralSearcher, generator *fakeGenerator, cache *fakeCache, docs *fakeDocRepo) *Pipeline {
	return NewPipeline(
		NewTextProcessor(1000, 200),
		embedder,
		vectors,
		literal,
		generator,
		cache,
		docs,
		fakeTx{},
		testRAGConfig(),
	)
}

func TestQueryValidation(t *testing.T) {
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{}, &fakeLiteralSearcher{}, &fakeGenerator{}, newFakeCache(), newFakeDocRepo())

	cases := []struct {
		name string
		in   *QueryInput
	}{
		{"empty query", &QueryInput{Query: "   "}},
		{"top_k too large", &QueryInput{Query: "casa", TopK: 51}},
		{"top_k negative", &QueryInput{Query: "casa", TopK: -1}},
		{"min_similarity above one", &QueryInput{Query: "casa", MinSimilarity: ptrFloat(1.5)}},
		{"min_similarity negative", &QueryInput{Query: "casa", MinSimilarity: ptrFloat(-0.1)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Query(context.Background(), tc.in)
			require.Error(t, err)
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
		})
	}
}

func TestQueryReturnsCachedResponse(t *testing.T) {
	cache := newFakeCache()
	generator := &fakeGenerator{answer: "nova resposta"}
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{results: semanticResults()}, &fakeLiteralSearcher{results: literalResults()}, generator, cache, newFakeDocRepo())

	fingerprint := queryFingerprint("qual o preço", 5, 0.7, "", nil)
	cache.store[fingerprint] = &entity.RAGResponse{Query: "qual o preço", Answer: "resposta em cache"}

	resp, err := p.Query(context.Background(), &QueryInput{Query: "qual o preço", UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, "resposta em cache", resp.Answer)
	assert.True(t, resp.Cached)
	assert.Zero(t, generator.calls)
}

func TestQueryZeroResultsSkipsGeneration(t *testing.T) {
	generator := &fakeGenerator{answer: "não deveria ser chamado"}
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{}, &fakeLiteralSearcher{}, generator, newFakeCache(), newFakeDocRepo())

	resp, err := p.Query(context.Background(), &QueryInput{Query: "algo inexistente"})
	require.NoError(t, err)
	assert.Equal(t, noInformationAnswer, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, generator.calls)
}

func TestQueryDegradesToSemanticOnly(t *testing.T) {
	generator := &fakeGenerator{answer: "resposta gerada"}
	literal := &fakeLiteralSearcher{err: errors.New("fts offline")}
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{results: semanticResults()}, literal, generator, newFakeCache(), newFakeDocRepo())

	resp, err := p.Query(context.Background(), &QueryInput{Query: "apartamento no centro"})
	require.NoError(t, err)
	assert.Equal(t, "resposta gerada", resp.Answer)
	assert.NotEmpty(t, resp.Sources)
	assert.Equal(t, 1, generator.calls)
}

func TestQueryFailsWhenBothPathsFail(t *testing.T) {
	p := newTestPipeline(
		&fakeEmbedder{err: errors.New("embedding offline")},
		&fakeVectorStore{},
		&fakeLiteralSearcher{err: errors.New("fts offline")},
		&fakeGenerator{},
		newFakeCache(),
		newFakeDocRepo(),
	)

	_, err := p.Query(context.Background(), &QueryInput{Query: "casa"})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeRetrievalFailed, appErr.Code)
}

func TestQueryCachesSuccessfulResponse(t *testing.T) {
	cache := newFakeCache()
	generator := &fakeGenerator{answer: "resposta"}
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{results: semanticResults()}, &fakeLiteralSearcher{results: literalResults()}, generator, cache, newFakeDocRepo())

	first, err := p.Query(context.Background(), &QueryInput{Query: "apartamento", UseCache: true})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Len(t, cache.store, 1)

	// 重复查询直接用缓存响应，不再触发生成
	second, err := p.Query(context.Background(), &QueryInput{Query: "apartamento", UseCache: true})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, cache.loads)
	assert.Equal(t, 1, generator.calls)
}

func TestQuerySkipsCacheWhenDisabled(t *testing.T) {
	cache := newFakeCache()
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{results: semanticResults()}, &fakeLiteralSearcher{results: literalResults()}, &fakeGenerator{answer: "resposta"}, cache, newFakeDocRepo())

	resp, err := p.Query(context.Background(), &QueryInput{Query: "apartamento"})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Empty(t, cache.store)
	assert.Zero(t, cache.loads)
}

func TestSearchAddsSuggestionsWhenFewResults(t *testing.T) {
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{}, &fakeLiteralSearcher{}, &fakeGenerator{}, newFakeCache(), newFakeDocRepo())

	out, err := p.Search(context.Background(), &SearchInput{Query: "apartamento"})
	require.NoError(t, err)
	assert.Empty(t, out.Results)
	assert.Equal(t, []string{"apto", "flat"}, out.Suggestions)
	require.NotNil(t, out.QueryQuality)
	assert.Equal(t, "regular", out.QueryQuality.Level)
}

func TestSearchMergesDualSourceChunks(t *testing.T) {
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{results: semanticResults()}, &fakeLiteralSearcher{results: literalResults()}, &fakeGenerator{}, newFakeCache(), newFakeDocRepo())

	out, err := p.Search(context.Background(), &SearchInput{Query: "apartamento 3 quartos"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Results)

	seen := map[string]int{}
	for _, r := range out.Results {
		seen[r.ChunkID]++
	}
	assert.Equal(t, 1, seen["chunk_a1"])
}

func TestIngestDocumentValidation(t *testing.T) {
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{}, &fakeLiteralSearcher{}, &fakeGenerator{}, newFakeCache(), newFakeDocRepo())

	_, err := p.IngestDocument(context.Background(), &IngestInput{Title: "", Content: "conteúdo", DocumentType: "listing"})
	require.Error(t, err)

	_, err = p.IngestDocument(context.Background(), &IngestInput{Title: "Título", Content: "  ", DocumentType: "listing"})
	require.Error(t, err)

	_, err = p.IngestDocument(context.Background(), &IngestInput{Title: "Título", Content: "conteúdo", ChunkSize: 100, ChunkOverlap: 100})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
}

func TestIngestDocumentRejectsOverlapAboveConfiguredSize(t *testing.T) {
	docs := newFakeDocRepo()
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{}, &fakeLiteralSearcher{}, &fakeGenerator{}, newFakeCache(), docs)

	// chunk_size 未指定时按配置默认值校验，拒绝必须发生在写库之前
	_, err := p.IngestDocument(context.Background(), &IngestInput{Title: "Título", Content: "conteúdo", ChunkOverlap: 5000})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
	assert.Empty(t, docs.docs)
}

func TestIngestDocumentHappyPath(t *testing.T) {
	docs := newFakeDocRepo()
	vectors := &fakeVectorStore{}
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1, 0.2}}, vectors, &fakeLiteralSearcher{}, &fakeGenerator{}, newFakeCache(), docs)

	content := strings.Repeat("Apartamento de dois quartos com sacada e vaga de garagem no centro. ", 20)
	result, err := p.IngestDocument(context.Background(), &IngestInput{
		Title:        "Anúncio 7",
		Content:      content,
		DocumentType: "listing",
		Tags:         []string{"centro"},
		Metadata:     map[string]any{"city": "Uberlândia"},
	})
	require.NoError(t, err)

	assert.Equal(t, entity.DocumentStatusCompleted, result.Status)
	assert.Greater(t, result.ChunkCount, 0)
	assert.Equal(t, result.ChunkCount, vectors.upserted[result.DocumentID])
	assert.Len(t, docs.chunks[result.DocumentID], result.ChunkCount)

	stored := docs.docs[result.DocumentID]
	require.NotNil(t, stored)
	assert.Equal(t, entity.DocumentStatusCompleted, stored.Status)
	assert.Equal(t, result.ChunkCount, stored.ChunkCount)
}

func TestIngestDocumentMarksFailedOnVectorError(t *testing.T) {
	docs := newFakeDocRepo()
	vectors := &fakeVectorStore{err: errors.New("milvus offline")}
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, vectors, &fakeLiteralSearcher{}, &fakeGenerator{}, newFakeCache(), docs)

	content := strings.Repeat("Sobrado amplo com quintal em rua sem saída do bairro Tibery. ", 20)
	_, err := p.IngestDocument(context.Background(), &IngestInput{Title: "Anúncio 8", Content: content, DocumentType: "listing"})
	require.Error(t, err)

	for _, doc := range docs.docs {
		assert.Equal(t, entity.DocumentStatusFailed, doc.Status)
		assert.NotEmpty(t, doc.ErrorMessage)
	}
}

func TestDeleteDocumentBustsCacheAndVectors(t *testing.T) {
	docs := newFakeDocRepo()
	doc := entity.NewDocument("Anúncio 9", "conteúdo suficiente para um documento de teste válido", "listing", nil)
	docs.docs[doc.ID] = doc

	cache := newFakeCache()
	cache.store["antigo"] = &entity.RAGResponse{Answer: "resposta antiga"}
	vectors := &fakeVectorStore{}
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, vectors, &fakeLiteralSearcher{}, &fakeGenerator{}, cache, docs)

	require.NoError(t, p.DeleteDocument(context.Background(), doc.ID))
	assert.Equal(t, []string{doc.ID}, vectors.deleted)
	assert.Equal(t, 1, cache.invalidated)
	assert.NotContains(t, docs.docs, doc.ID)
}

func TestDeleteDocumentNotFound(t *testing.T) {
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1}}, &fakeVectorStore{}, &fakeLiteralSearcher{}, &fakeGenerator{}, newFakeCache(), newFakeDocRepo())

	err := p.DeleteDocument(context.Background(), "doc_inexistente")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeDocumentNotFound, appErr.Code)
}

func TestStatsIncludesDimensionAndCacheFlag(t *testing.T) {
	p := newTestPipeline(&fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}, &fakeVectorStore{}, &fakeLiteralSearcher{}, &fakeGenerator{}, newFakeCache(), newFakeDocRepo())

	stats, err := p.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EmbeddingDimension)
	assert.True(t, stats.CacheEnabled)
}

func TestQueryFingerprintDeterminism(t *testing.T) {
	a := queryFingerprint("Casa  Grande", 5, 0.7, "", nil)
	b := queryFingerprint("casa grande", 5, 0.7, "", nil)
	assert.Equal(t, a, b)

	c := queryFingerprint("casa grande", 10, 0.7, "", nil)
	assert.NotEqual(t, a, c)

	priceMin := 100000.0
	d := queryFingerprint("casa grande", 5, 0.7, "", &entity.SearchFilters{PriceMin: &priceMin})
	assert.NotEqual(t, a, d)
}

func ptrFloat(v float64) *float64 { return &v }
