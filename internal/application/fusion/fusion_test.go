package fusion

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imovia-rag-api/internal/domain/entity"
)

func result(chunkID, docID string, score float64) entity.SearchResult {
	return entity.SearchResult{
		ChunkID:    chunkID,
		DocumentID: docID,
		Content:    "content of " + chunkID,
		Score:      score,
	}
}

func TestRRFScoreForDualSourceChunk(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{
		result("chunk_b", "doc_1", 0.9),
		result("chunk_a", "doc_2", 0.8),
	}
	literal := []entity.SearchResult{
		result("chunk_b", "doc_1", 0.7),
		result("chunk_c", "doc_3", 0.6),
	}

	params := Params{
		Method:            MethodRRF,
		RRFK:              60,
		BoostExactMatches: false,
	}
	res := e.Fuse(semantic, literal, params)

	require.NotEmpty(t, res.Results)
	assert.Equal(t, MethodRRF, res.Method)

	// 两个列表均在第 0 位命中: 1/61 + 1/61
	assert.Equal(t, "chunk_b", res.Results[0].ChunkID)
	assert.InDelta(t, 2.0/61.0, res.Results[0].Score, 1e-9)
	assert.Equal(t, entity.MatchSourceHybrid, res.Results[0].Source)
}

func TestRRFSingleSourceScore(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{result("chunk_a", "doc_1", 0.9)}

	res := e.Fuse(semantic, nil, Params{Method: MethodRRF, RRFK: 60})

	require.Len(t, res.Results, 1)
	assert.InDelta(t, 1.0/61.0, res.Results[0].Score, 1e-9)
	assert.Equal(t, entity.MatchSourceSemantic, res.Results[0].Source)
}

func TestWeightedScoreWithoutNormalization(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{result("chunk_a", "doc_1", 0.8)}

	params := Params{
		Method:          MethodWeighted,
		SemanticWeight:  0.7,
		LiteralWeight:   0.3,
		NormalizeScores: false,
	}
	res := e.Fuse(semantic, nil, params)

	require.Len(t, res.Results, 1)
	assert.InDelta(t, 0.7*0.8, res.Results[0].Score, 1e-9)
}

func TestWeightedNormalizesWeightSum(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{result("chunk_a", "doc_1", 1.0)}
	literal := []entity.SearchResult{result("chunk_b", "doc_2", 1.0)}

	// 权重 2/2 归一化为 0.5/0.5
	params := Params{
		Method:          MethodWeighted,
		SemanticWeight:  2,
		LiteralWeight:   2,
		NormalizeScores: false,
	}
	res := e.Fuse(semantic, literal, params)

	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.InDelta(t, 0.5, r.Score, 1e-9)
	}
}

func TestWeightedExactMatchBoost(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{result("chunk_a", "doc_1", 0.5)}
	literal := []entity.SearchResult{result("chunk_a", "doc_1", 0.5)}

	params := Params{
		Method:            MethodWeighted,
		SemanticWeight:    0.6,
		LiteralWeight:     0.4,
		NormalizeScores:   false,
		BoostExactMatches: true,
		ExactMatchBoost:   0.1,
	}
	res := e.Fuse(semantic, literal, params)

	require.Len(t, res.Results, 1)
	// 0.6*0.5 + 0.4*0.5 + 0.1
	assert.InDelta(t, 0.6, res.Results[0].Score, 1e-9)
	assert.Equal(t, entity.MatchSourceHybrid, res.Results[0].Source)
}

func TestDedupKeepsSingleEntryPerChunk(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{
		result("chunk_a", "doc_1", 0.9),
		result("chunk_b", "doc_1", 0.8),
	}
	literal := []entity.SearchResult{
		result("chunk_a", "doc_1", 0.7),
	}

	res := e.Fuse(semantic, literal, Params{Method: MethodRRF})

	seen := map[string]int{}
	for _, r := range res.Results {
		seen[r.ChunkID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "chunk %s duplicated", id)
	}
}

func TestBayesianPriorWeighting(t *testing.T) {
	e := NewEngine()

	// 语义列表 3 条，字面列表 1 条: 先验 0.75 / 0.25
	semantic := []entity.SearchResult{
		result("chunk_a", "doc_1", 0.8),
		result("chunk_b", "doc_2", 0.6),
		result("chunk_c", "doc_3", 0.4),
	}
	literal := []entity.SearchResult{
		result("chunk_d", "doc_4", 0.9),
	}

	res := e.Fuse(semantic, literal, Params{Method: MethodBayesian})

	byID := map[string]float64{}
	for _, r := range res.Results {
		byID[r.ChunkID] = r.Score
	}
	assert.InDelta(t, 0.75*0.8, byID["chunk_a"], 1e-9)
	assert.InDelta(t, 0.25*0.9, byID["chunk_d"], 1e-9)
}

func TestAdaptiveSelectsMethodFromAnalysis(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{result("chunk_a", "doc_1", 1.0)}
	literal := []entity.SearchResult{result("chunk_b", "doc_2", 1.0)}

	tests := []struct {
		name       string
		analysis   *entity.QueryAnalysis
		wantMethod Method
		wantTopID  string
	}{
		{
			name:       "specific terms favor literal",
			analysis:   &entity.QueryAnalysis{HasSpecificTerms: true},
			wantMethod: MethodWeighted,
			wantTopID:  "chunk_b",
		},
		{
			name:       "conceptual favors semantic",
			analysis:   &entity.QueryAnalysis{IsConceptual: true},
			wantMethod: MethodWeighted,
			wantTopID:  "chunk_a",
		},
		{
			name:       "generic falls back to rrf",
			analysis:   &entity.QueryAnalysis{},
			wantMethod: MethodRRF,
		},
		{
			name:       "nil analysis falls back to rrf",
			analysis:   nil,
			wantMethod: MethodRRF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := Params{
				Method:          MethodAdaptive,
				NormalizeScores: false,
				Analysis:        tt.analysis,
			}
			res := e.Fuse(semantic, literal, params)
			assert.Equal(t, tt.wantMethod, res.Method)
			if tt.wantTopID != "" {
				require.NotEmpty(t, res.Results)
				assert.Equal(t, tt.wantTopID, res.Results[0].ChunkID)
			}
		})
	}
}

func TestDeterministicOrderingOnTies(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{
		result("chunk_z", "doc_1", 0.5),
		result("chunk_a", "doc_2", 0.5),
		result("chunk_m", "doc_3", 0.5),
	}

	params := Params{Method: MethodWeighted, NormalizeScores: false}

	first := e.Fuse(semantic, nil, params)
	second := e.Fuse(semantic, nil, params)

	require.Len(t, first.Results, 3)
	assert.Equal(t, "chunk_a", first.Results[0].ChunkID)
	assert.Equal(t, "chunk_m", first.Results[1].ChunkID)
	assert.Equal(t, "chunk_z", first.Results[2].ChunkID)
	assert.Equal(t, first.Results, second.Results)
}

func TestDiversityPenaltyDemotesRepeatDocuments(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{
		result("chunk_a", "doc_1", 1.0),
		result("chunk_b", "doc_1", 0.9),
		result("chunk_c", "doc_2", 0.85),
	}

	params := Params{
		Method:           MethodWeighted,
		SemanticWeight:   1,
		LiteralWeight:    0,
		NormalizeScores:  false,
		DiversityPenalty: 0.5,
	}
	res := e.Fuse(semantic, nil, params)

	require.Len(t, res.Results, 3)
	// doc_1 第二个分块得分减半后落到 doc_2 之后
	assert.Equal(t, "chunk_a", res.Results[0].ChunkID)
	assert.Equal(t, "chunk_c", res.Results[1].ChunkID)
	assert.Equal(t, "chunk_b", res.Results[2].ChunkID)
	assert.InDelta(t, 0.45, res.Results[2].Score, 1e-9)
}

func TestMinFusionScoreFiltersResults(t *testing.T) {
	e := NewEngine()

	semantic := []entity.SearchResult{
		result("chunk_a", "doc_1", 0.9),
		result("chunk_b", "doc_2", 0.1),
	}

	params := Params{
		Method:          MethodWeighted,
		SemanticWeight:  1,
		LiteralWeight:   0,
		NormalizeScores: false,
		MinFusionScore:  0.5,
	}
	res := e.Fuse(semantic, nil, params)

	require.Len(t, res.Results, 1)
	assert.Equal(t, "chunk_a", res.Results[0].ChunkID)
}

func TestUnknownMethodFallsBackToSemantic(t *testing.T) {
	e := NewEngine()

	semantic := make([]entity.SearchResult, 0, 15)
	for i := 0; i < 15; i++ {
		semantic = append(semantic, result(fmt.Sprintf("chunk_%02d", i), "doc_1", float64(15-i)/15))
	}

	res := e.Fuse(semantic, nil, Params{Method: Method("bogus")})

	assert.Len(t, res.Results, 10)
	assert.Equal(t, "chunk_00", res.Results[0].ChunkID)
}

func TestEmptyInputsProduceEmptyResult(t *testing.T) {
	e := NewEngine()

	res := e.Fuse(nil, nil, DefaultParams())

	assert.Empty(t, res.Results)
	assert.Equal(t, 0, res.Metrics.TotalResults)
}

func TestResultCapAndMetrics(t *testing.T) {
	e := NewEngine()

	semantic := make([]entity.SearchResult, 0, 30)
	for i := 0; i < 30; i++ {
		semantic = append(semantic, result(fmt.Sprintf("chunk_%02d", i), fmt.Sprintf("doc_%d", i%5), float64(30-i)/30))
	}

	params := Params{Method: MethodWeighted, SemanticWeight: 1, LiteralWeight: 0, NormalizeScores: false}
	res := e.Fuse(semantic, nil, params)

	assert.Len(t, res.Results, 20)
	assert.Equal(t, 20, res.Metrics.TotalResults)
	assert.Equal(t, 30, res.Metrics.SemanticInput)
	assert.Greater(t, res.Metrics.AvgScore, 0.0)
	assert.GreaterOrEqual(t, res.Metrics.MaxScore, res.Metrics.MinScore)
	// 5 个不同文档 / 20 条结果
	assert.InDelta(t, 0.25, res.Metrics.DiversityRatio, 1e-9)
}
