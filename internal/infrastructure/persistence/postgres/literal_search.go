package postgres

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"imovia-rag-api/internal/config"
	"imovia-rag-api/internal/domain/entity"
	"imovia-rag-api/pkg/logger"
	"imovia-rag-api/pkg/metrics"
)

// 巴西房产领域的查询分类模式
var (
	rePriceTerms    = regexp.MustCompile(`(?i)R\$|reais|\d+\s*(mil|milhão|milhões)|valor|preço|custo`)
	reLocationTerms = regexp.MustCompile(`(?i)rua|avenida|av\.|r\.|bairro|centro|uberlândia|mg|setor|quadra|lote`)
	reSpecTerms     = regexp.MustCompile(`(?i)\d+\s*(quartos?|suítes?|vagas?|m²|metros?|área|construída)`)

	// 查询改写
	rePriceCurrency = regexp.MustCompile(`R\$\s*(\d+)`)
	rePriceK        = regexp.MustCompile(`(\d+)k`)
	reAbbrAvenue    = regexp.MustCompile(`(?i)\bav\.`)
	reAbbrStreet    = regexp.MustCompile(`(?i)\br\.`)
	reSpecRooms     = regexp.MustCompile(`(?i)(\d+)\s*q\b`)

	reSpaces = regexp.MustCompile(`\s+`)
)

// 概念性查询关键词
var conceptualTerms = []string{"família", "tranquilo", "investimento", "luxo", "confortável"}

// 领域同义词表，供检索建议使用
var domainSynonyms = map[string][]string{
	"apartamento": {"apto", "flat", "unidade", "residencial"},
	"casa":        {"residência", "moradia", "sobrado"},
	"quarto":      {"dormitório", "suíte", "aposento"},
	"garagem":     {"vaga", "estacionamento", "box"},
	"piscina":     {"área aquática", "lazer"},
	"centro":      {"região central"},
	"bairro":      {"setor", "região", "área"},
}

const (
	maxLiteralTopK  = 100
	maxSuggestions  = 5
	headlineOptions = "MaxWords=30, MinWords=10, ShortWord=3, HighlightAll=false, StartSel=<mark>, StopSel=</mark>"
)

// LiteralSearchEngine 基于 PostgreSQL 全文检索的字面检索引擎
type LiteralSearchEngine struct {
	client  *Client
	minRank float64
	cache   *expirable.LRU[string, []entity.SearchResult]
}

// NewLiteralSearchEngine 创建字面检索引擎
func NewLiteralSearchEngine(client *Client, cfg *config.RAGConfig) *LiteralSearchEngine {
	size := cfg.Caching.LiteralSize
	if size <= 0 {
		size = 100
	}
	ttl := cfg.Caching.LiteralTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LiteralSearchEngine{
		client:  client,
		minRank: cfg.Retrieval.MinRank,
		cache:   expirable.NewLRU[string, []entity.SearchResult](size, nil, ttl),
	}
}

type literalRow struct {
	ID            string    `gorm:"column:id"`
	DocumentID    string    `gorm:"column:document_id"`
	Content       string    `gorm:"column:content"`
	ChunkIndex    int       `gorm:"column:chunk_index"`
	Metadata      []byte    `gorm:"column:metadata"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	DocumentTitle string    `gorm:"column:document_title"`
	RankScore     float64   `gorm:"column:rank_score"`
	Highlighted   string    `gorm:"column:highlighted"`
}

// Search 全文检索文档分块，结果按 ts_rank_cd 排序
func (e *LiteralSearchEngine) Search(ctx context.Context, query string, limit int, filters *entity.SearchFilters) ([]entity.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "postgres.LiteralSearchEngine.Search")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > maxLiteralTopK {
		limit = 10
	}

	cacheKey := e.cacheKey(query, limit, filters)
	if cached, ok := e.cache.Get(cacheKey); ok {
		metrics.CacheHits.WithLabelValues("literal").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("literal").Inc()

	start := time.Now()
	analysis := e.AnalyzeQuery(query)
	processed := e.rewriteQuery(query, analysis.Type)

	sql, args := e.buildQuery(processed, analysis.Type, limit, filters)

	db := getDB(ctx, e.client.db)
	var rows []literalRow
	if err := db.Raw(sql, args...).Scan(&rows).Error; err != nil {
		span.RecordError(err)
		metrics.RetrievalTotal.WithLabelValues("literal", "error").Inc()
		return nil, fmt.Errorf("literal search failed: %w", err)
	}

	results := make([]entity.SearchResult, 0, len(rows))
	for _, row := range rows {
		var meta map[string]any
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &meta); err != nil {
				meta = nil
			}
		}
		results = append(results, entity.SearchResult{
			ChunkID:       row.ID,
			DocumentID:    row.DocumentID,
			Content:       row.Content,
			Score:         row.RankScore,
			ChunkIndex:    row.ChunkIndex,
			Source:        entity.MatchSourceLiteral,
			Highlight:     row.Highlighted,
			DocumentTitle: row.DocumentTitle,
			Metadata:      meta,
		})
	}

	elapsed := time.Since(start)
	metrics.RetrievalTotal.WithLabelValues("literal", "success").Inc()
	metrics.RetrievalDuration.WithLabelValues("literal").Observe(elapsed.Seconds())
	logger.Debug(ctx, "literal search completed",
		"query_type", string(analysis.Type),
		"results", len(results),
		"elapsed_ms", elapsed.Milliseconds(),
	)

	e.cache.Add(cacheKey, results)
	return results, nil
}

// AnalyzeQuery 查询分类，价格、位置、规格模式优先于概念性判断
func (e *LiteralSearchEngine) AnalyzeQuery(query string) entity.QueryAnalysis {
	queryType := entity.QueryTypeGeneric
	switch {
	case rePriceTerms.MatchString(query):
		queryType = entity.QueryTypePrice
	case reLocationTerms.MatchString(query):
		queryType = entity.QueryTypeLocation
	case reSpecTerms.MatchString(query):
		queryType = entity.QueryTypeSpecification
	default:
		lower := strings.ToLower(query)
		for _, term := range conceptualTerms {
			if strings.Contains(lower, term) {
				queryType = entity.QueryTypeConceptual
				break
			}
		}
	}

	return entity.QueryAnalysis{
		Type: queryType,
		HasSpecificTerms: queryType == entity.QueryTypePrice ||
			queryType == entity.QueryTypeLocation ||
			queryType == entity.QueryTypeSpecification,
		IsConceptual: queryType == entity.QueryTypeConceptual,
	}
}

// AssessQuality 诊断查询质量，给出问题与改进建议
func (e *LiteralSearchEngine) AssessQuality(ctx context.Context, query string, resultCount int) entity.QueryQuality {
	score := 0.0
	var issues, recommendations []string

	wordCount := len(strings.Fields(query))
	switch {
	case wordCount < 2:
		issues = append(issues, "Consulta muito curta")
		recommendations = append(recommendations, "Use mais palavras-chave específicas")
		score -= 0.3
	case wordCount > 10:
		issues = append(issues, "Consulta muito longa")
		recommendations = append(recommendations, "Tente ser mais específico e conciso")
		score -= 0.2
	default:
		score += 0.3
	}

	switch {
	case resultCount == 0:
		issues = append(issues, "Nenhum resultado encontrado")
		recommendations = append(recommendations, "Tente termos mais genéricos ou sinônimos")
		score -= 0.5
	case resultCount < 3:
		issues = append(issues, "Poucos resultados")
		recommendations = append(recommendations, "Considere expandir a busca")
		score -= 0.2
	default:
		score += 0.4
	}

	if rePriceTerms.MatchString(query) {
		score += 0.1
	}
	if reLocationTerms.MatchString(query) {
		score += 0.1
	}
	if reSpecTerms.MatchString(query) {
		score += 0.1
	}

	score = max(0.0, min(1.0, score+0.5))

	level := "baixa"
	switch {
	case score >= 0.8:
		level = "excelente"
	case score >= 0.6:
		level = "boa"
	case score >= 0.4:
		level = "regular"
	}

	return entity.QueryQuality{
		Score:           score,
		Level:           level,
		Issues:          issues,
		Recommendations: recommendations,
	}
}

// 语料相似词查询：对分块词表做 trigram 相似度匹配（需要 pg_trgm 扩展）
const similarTermsSQL = `
WITH query_terms AS (
	SELECT unnest(string_to_array(lower(trim(?)), ' ')) AS term
),
term_stats AS (
	SELECT word, nentry
	FROM ts_stat($$SELECT to_tsvector('portuguese', content) FROM document_chunks$$)
	WHERE char_length(word) > 2
)
SELECT ts.word
FROM term_stats ts
JOIN query_terms qt ON similarity(ts.word, qt.term) > 0.3 AND ts.word <> qt.term
GROUP BY ts.word, ts.nentry
ORDER BY max(similarity(ts.word, qt.term)) DESC, ts.nentry DESC
LIMIT ?`

// Suggestions 检索建议：语料相似词与领域同义词合并，最多 5 条
// 相似词查询失败时降级为仅同义词
func (e *LiteralSearchEngine) Suggestions(ctx context.Context, query string) []string {
	suggestions := e.similarTerms(ctx, query, maxSuggestions)
	seen := make(map[string]bool, len(suggestions))
	for _, s := range suggestions {
		seen[s] = true
	}
	for _, synonym := range e.domainSuggestions(query) {
		if !seen[synonym] {
			seen[synonym] = true
			suggestions = append(suggestions, synonym)
		}
	}
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return suggestions
}

// similarTerms 从已索引语料中找出与查询词相似的词
func (e *LiteralSearchEngine) similarTerms(ctx context.Context, query string, limit int) []string {
	if e.client == nil || strings.TrimSpace(query) == "" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "postgres.LiteralSearchEngine.similarTerms")
	defer span.End()

	db := getDB(ctx, e.client.db)
	var rows []struct {
		Word string `gorm:"column:word"`
	}
	if err := db.Raw(similarTermsSQL, query, limit).Scan(&rows).Error; err != nil {
		span.RecordError(err)
		logger.Warn(ctx, "similar term lookup failed, falling back to domain synonyms", "error", err.Error())
		return nil
	}

	words := make([]string, 0, len(rows))
	for _, row := range rows {
		words = append(words, row.Word)
	}
	return words
}

// domainSuggestions 基于领域同义词表生成查询建议
func (e *LiteralSearchEngine) domainSuggestions(query string) []string {
	lower := strings.ToLower(query)
	terms := make([]string, 0, len(domainSynonyms))
	for term := range domainSynonyms {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	var suggestions []string
	seen := make(map[string]bool)
	for _, term := range terms {
		if !strings.Contains(lower, term) {
			continue
		}
		for _, synonym := range domainSynonyms[term] {
			if !seen[synonym] {
				seen[synonym] = true
				suggestions = append(suggestions, synonym)
			}
		}
	}
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return suggestions
}

// rewriteQuery 按查询类型做轻量改写，展开缩写并归一价格格式
func (e *LiteralSearchEngine) rewriteQuery(query string, queryType entity.QueryType) string {
	query = reSpaces.ReplaceAllString(strings.TrimSpace(query), " ")

	switch queryType {
	case entity.QueryTypePrice:
		query = rePriceCurrency.ReplaceAllString(query, "$1 reais")
		query = rePriceK.ReplaceAllString(query, "$1 mil")
	case entity.QueryTypeLocation:
		query = reAbbrAvenue.ReplaceAllString(query, "avenida")
		query = reAbbrStreet.ReplaceAllString(query, "rua")
	case entity.QueryTypeSpecification:
		query = reSpecRooms.ReplaceAllString(query, "$1 quartos")
	}
	return query
}

// buildQuery 构造全文检索 SQL，价格类查询追加 price_boost 排序
func (e *LiteralSearchEngine) buildQuery(query string, queryType entity.QueryType, limit int, filters *entity.SearchFilters) (string, []any) {
	var sb strings.Builder
	args := []any{}

	sb.WriteString(`SELECT c.id, c.document_id, c.content, c.chunk_index, c.metadata, c.created_at,
	d.title AS document_title,
	ts_rank_cd(to_tsvector('portuguese', c.content), plainto_tsquery('portuguese', ?), 32) AS rank_score,
	ts_headline('portuguese', c.content, plainto_tsquery('portuguese', ?), ?) AS highlighted`)
	args = append(args, query, query, headlineOptions)

	if queryType == entity.QueryTypePrice {
		sb.WriteString(`,
	CASE WHEN c.content ~* 'R\$|reais|\d+.*mil' THEN 0.2 ELSE 0.0 END AS price_boost`)
	}

	sb.WriteString(`
FROM document_chunks c
JOIN documents d ON c.document_id = d.id
WHERE to_tsvector('portuguese', c.content) @@ plainto_tsquery('portuguese', ?)
  AND ts_rank_cd(to_tsvector('portuguese', c.content), plainto_tsquery('portuguese', ?), 32) >= ?`)
	args = append(args, query, query, e.minRank)

	if !filters.IsZero() {
		if filters.DocumentType != "" {
			sb.WriteString(" AND d.document_type = ?")
			args = append(args, filters.DocumentType)
		}
		if filters.DocumentID != "" {
			sb.WriteString(" AND c.document_id = ?")
			args = append(args, filters.DocumentID)
		}
		if filters.City != "" {
			sb.WriteString(" AND (c.metadata->>'city' ILIKE ? OR d.metadata->>'city' ILIKE ?)")
			pattern := "%" + filters.City + "%"
			args = append(args, pattern, pattern)
		}
		if filters.PriceMin != nil {
			sb.WriteString(" AND (c.metadata->>'price')::numeric >= ?")
			args = append(args, *filters.PriceMin)
		}
		if filters.PriceMax != nil {
			sb.WriteString(" AND (c.metadata->>'price')::numeric <= ?")
			args = append(args, *filters.PriceMax)
		}
		if filters.CreatedAfter != nil {
			sb.WriteString(" AND c.created_at >= ?")
			args = append(args, *filters.CreatedAfter)
		}
	}

	if queryType == entity.QueryTypePrice {
		// 输出列别名不能出现在 ORDER BY 表达式内部，必须重复完整表达式
		sb.WriteString(`
ORDER BY (ts_rank_cd(to_tsvector('portuguese', c.content), plainto_tsquery('portuguese', ?), 32)
	+ CASE WHEN c.content ~* 'R\$|reais|\d+.*mil' THEN 0.2 ELSE 0.0 END) DESC, c.created_at DESC`)
		args = append(args, query)
	} else {
		sb.WriteString("\nORDER BY rank_score DESC, c.created_at DESC")
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)

	return sb.String(), args
}

func (e *LiteralSearchEngine) cacheKey(query string, limit int, filters *entity.SearchFilters) string {
	filterPart := ""
	if !filters.IsZero() {
		if raw, err := json.Marshal(filters); err == nil {
			filterPart = string(raw)
		}
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%.4f:%s", query, limit, e.minRank, filterPart)))
	return hex.EncodeToString(sum[:])
}
