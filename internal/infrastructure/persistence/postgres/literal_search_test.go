package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imovia-rag-api/internal/domain/entity"
)

func newTestEngine() *LiteralSearchEngine {
	return &LiteralSearchEngine{minRank: 0.1}
}

func TestAnalyzeQueryClassification(t *testing.T) {
	engine := newTestEngine()

	cases := []struct {
		name     string
		query    string
		expected entity.QueryType
	}{
		{"price currency", "apartamento por R$ 300 mil", entity.QueryTypePrice},
		{"price keyword", "qual o valor do aluguel", entity.QueryTypePrice},
		{"location street", "casa na rua das acácias", entity.QueryTypeLocation},
		{"location city", "imóveis em uberlândia", entity.QueryTypeLocation},
		{"specification rooms", "casa com 3 quartos e 2 vagas", entity.QueryTypeSpecification},
		{"specification area", "apartamento de 120 m²", entity.QueryTypeSpecification},
		{"conceptual", "lugar tranquilo para família", entity.QueryTypeConceptual},
		{"generic", "me fale sobre os imóveis disponíveis", entity.QueryTypeGeneric},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			analysis := engine.AnalyzeQuery(tc.query)
			assert.Equal(t, tc.expected, analysis.Type)
		})
	}
}

func TestAnalyzeQueryFlags(t *testing.T) {
	engine := newTestEngine()

	specific := engine.AnalyzeQuery("casa com 3 quartos")
	assert.True(t, specific.HasSpecificTerms)
	assert.False(t, specific.IsConceptual)

	conceptual := engine.AnalyzeQuery("quero um investimento seguro")
	assert.False(t, conceptual.HasSpecificTerms)
	assert.True(t, conceptual.IsConceptual)

	generic := engine.AnalyzeQuery("o que temos disponível")
	assert.False(t, generic.HasSpecificTerms)
	assert.False(t, generic.IsConceptual)
}

func TestRewriteQueryExpandsAbbreviations(t *testing.T) {
	engine := newTestEngine()

	rewritten := engine.rewriteQuery("casa na av. João Naves", entity.QueryTypeLocation)
	assert.Equal(t, "casa na avenida João Naves", rewritten)

	rewritten = engine.rewriteQuery("imóvel na r. Goiás", entity.QueryTypeLocation)
	assert.Equal(t, "imóvel na rua Goiás", rewritten)
}

func TestRewriteQueryNormalizesPrices(t *testing.T) {
	engine := newTestEngine()

	rewritten := engine.rewriteQuery("apartamento por R$ 300", entity.QueryTypePrice)
	assert.Equal(t, "apartamento por 300 reais", rewritten)

	rewritten = engine.rewriteQuery("casa de 500k", entity.QueryTypePrice)
	assert.Equal(t, "casa de 500 mil", rewritten)
}

func TestRewriteQueryExpandsSpecifications(t *testing.T) {
	engine := newTestEngine()

	rewritten := engine.rewriteQuery("casa 3 q", entity.QueryTypeSpecification)
	assert.Equal(t, "casa 3 quartos", rewritten)
}

func TestRewriteQueryCollapsesWhitespace(t *testing.T) {
	engine := newTestEngine()

	rewritten := engine.rewriteQuery("  casa   grande  ", entity.QueryTypeGeneric)
	assert.Equal(t, "casa grande", rewritten)
}

func TestAssessQualityShortQueryNoResults(t *testing.T) {
	engine := newTestEngine()

	quality := engine.AssessQuality(context.Background(), "casa", 0)
	assert.Equal(t, "baixa", quality.Level)
	assert.InDelta(t, 0.0, quality.Score, 0.001)
	assert.Contains(t, quality.Issues, "Consulta muito curta")
	assert.Contains(t, quality.Issues, "Nenhum resultado encontrado")
}

func TestAssessQualityGoodQuery(t *testing.T) {
	engine := newTestEngine()

	// comprimento adequado + resultados suficientes + termos de preço e especificação
	quality := engine.AssessQuality(context.Background(), "apartamento 3 quartos por 300 mil", 5)
	assert.InDelta(t, 1.0, quality.Score, 0.001)
	assert.Equal(t, "excelente", quality.Level)
	assert.Empty(t, quality.Issues)
}

func TestAssessQualityFewResults(t *testing.T) {
	engine := newTestEngine()

	quality := engine.AssessQuality(context.Background(), "casa com piscina grande", 2)
	assert.Contains(t, quality.Issues, "Poucos resultados")
	assert.InDelta(t, 0.6, quality.Score, 0.001)
	assert.Equal(t, "boa", quality.Level)
}

func TestSuggestionsReturnDomainSynonyms(t *testing.T) {
	engine := newTestEngine()

	// 无数据库连接时降级为领域同义词
	suggestions := engine.Suggestions(context.Background(), "procuro apartamento no centro")
	assert.NotEmpty(t, suggestions)
	assert.LessOrEqual(t, len(suggestions), 5)

	all := engine.Suggestions(context.Background(), "apartamento casa quarto garagem piscina")
	assert.Len(t, all, 5)
}

func TestSuggestionsEmptyForUnknownTerms(t *testing.T) {
	engine := newTestEngine()
	assert.Empty(t, engine.Suggestions(context.Background(), "helicóptero"))
}

func TestBuildQueryAppliesFilters(t *testing.T) {
	engine := newTestEngine()

	priceMin := 100000.0
	sql, args := engine.buildQuery("casa", entity.QueryTypeGeneric, 10, &entity.SearchFilters{
		DocumentType: "listing",
		City:         "Uberlândia",
		PriceMin:     &priceMin,
	})

	assert.Contains(t, sql, "d.document_type = ?")
	assert.Contains(t, sql, "ILIKE ?")
	assert.Contains(t, sql, "(c.metadata->>'price')::numeric >= ?")
	assert.Contains(t, sql, "LIMIT ?")
	// select x3, where x3, type, city x2, price, limit
	assert.Len(t, args, 11)
}

func TestBuildQueryPriceBoostOrdering(t *testing.T) {
	engine := newTestEngine()

	sql, args := engine.buildQuery("300 reais", entity.QueryTypePrice, 10, nil)
	assert.Contains(t, sql, "price_boost")

	// ORDER BY 不能引用输出别名做运算，必须重复 ts_rank_cd 与 CASE 表达式
	orderIdx := strings.Index(sql, "ORDER BY")
	require.Greater(t, orderIdx, 0)
	orderClause := sql[orderIdx:]
	assert.Contains(t, orderClause, "ts_rank_cd(to_tsvector('portuguese', c.content), plainto_tsquery('portuguese', ?), 32)")
	assert.Contains(t, orderClause, `CASE WHEN c.content ~* 'R\$|reais|\d+.*mil' THEN 0.2 ELSE 0.0 END`)
	assert.NotContains(t, orderClause, "rank_score")
	assert.NotContains(t, orderClause, "price_boost")
	// select x3, where x3, order by x1, limit x1
	assert.Len(t, args, 8)
	assert.Equal(t, "300 reais", args[6])

	sql, args = engine.buildQuery("casa", entity.QueryTypeGeneric, 10, nil)
	assert.NotContains(t, sql, "price_boost")
	assert.Contains(t, sql, "ORDER BY rank_score DESC")
	assert.Len(t, args, 6)
}
