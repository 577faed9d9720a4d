// Package fusion 实现语义与字面检索结果的融合策略
package fusion

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"imovia-rag-api/internal/domain/entity"
	"imovia-rag-api/pkg/errors"
)

// Method 融合方法
type Method string

const (
	MethodRRF      Method = "rrf"
	MethodWeighted Method = "weighted"
	MethodAdaptive Method = "adaptive"
	MethodBayesian Method = "bayesian"
)

const (
	defaultRRFK     = 60
	maxRRFK         = 1000
	maxInputPerList = 50
	maxFusedResults = 20
	fallbackLimit   = 10
	memoCacheSize   = 100

	// RRF 路径下只有字面得分接近满分才视为精确命中
	rrfExactMatchMinScore = 0.9
)

// Params 融合参数
type Params struct {
	Method            Method
	RRFK              int
	SemanticWeight    float64
	LiteralWeight     float64
	NormalizeScores   bool
	BoostExactMatches bool
	ExactMatchBoost   float64
	MinFusionScore    float64
	DiversityPenalty  float64
	Analysis          *entity.QueryAnalysis
}

// DefaultParams 返回默认融合参数
func DefaultParams() Params {
	return Params{
		Method:            MethodAdaptive,
		RRFK:              defaultRRFK,
		SemanticWeight:    0.6,
		LiteralWeight:     0.4,
		NormalizeScores:   true,
		BoostExactMatches: true,
		ExactMatchBoost:   0.1,
	}
}

// sanitize 参数越界钳制与权重归一化
func (p *Params) sanitize() {
	if p.Method == "" {
		p.Method = MethodAdaptive
	}
	if p.RRFK < 1 {
		p.RRFK = defaultRRFK
	}
	if p.RRFK > maxRRFK {
		p.RRFK = maxRRFK
	}
	if p.ExactMatchBoost < 0 {
		p.ExactMatchBoost = 0
	}
	if p.ExactMatchBoost > 1 {
		p.ExactMatchBoost = 1
	}
	if p.DiversityPenalty < 0 {
		p.DiversityPenalty = 0
	}
	if p.DiversityPenalty > 1 {
		p.DiversityPenalty = 1
	}

	sum := p.SemanticWeight + p.LiteralWeight
	if p.SemanticWeight < 0 || p.LiteralWeight < 0 || sum <= 0 {
		p.SemanticWeight, p.LiteralWeight = 0.6, 0.4
	} else if math.Abs(sum-1.0) > 1e-9 {
		p.SemanticWeight /= sum
		p.LiteralWeight /= sum
	}
}

// Metrics 单次融合的统计信息
type Metrics struct {
	TotalResults   int     `json:"total_results"`
	SemanticInput  int     `json:"semantic_input"`
	LiteralInput   int     `json:"literal_input"`
	AvgScore       float64 `json:"avg_score"`
	MinScore       float64 `json:"min_score"`
	MaxScore       float64 `json:"max_score"`
	StdDev         float64 `json:"std_dev"`
	DiversityRatio float64 `json:"diversity_ratio"`
}

// Result 融合结果
type Result struct {
	Results []entity.SearchResult `json:"results"`
	Method  Method                `json:"method"`
	Metrics Metrics               `json:"metrics"`
}

// Engine 结果融合引擎
type Engine struct {
	memo *lru.Cache[string, *Result]
}

// NewEngine 创建融合引擎
func NewEngine() *Engine {
	memo, _ := lru.New[string, *Result](memoCacheSize)
	return &Engine{memo: memo}
}

// Fuse 融合语义与字面检索结果；融合内部出错时回退到单源截断
func (e *Engine) Fuse(semantic, literal []entity.SearchResult, params Params) *Result {
	params.sanitize()

	semantic = preprocess(semantic)
	literal = preprocess(literal)

	key := memoKey(semantic, literal, params)
	if cached, ok := e.memo.Get(key); ok {
		return cached
	}

	res, err := e.fuse(semantic, literal, params)
	if err != nil {
		res = fallback(semantic, literal, params.Method)
	}

	e.memo.Add(key, res)
	return res
}

func (e *Engine) fuse(semantic, literal []entity.SearchResult, params Params) (*Result, error) {
	method := params.Method
	if method == MethodAdaptive {
		method = resolveAdaptive(params)
		if method == MethodWeighted {
			// 自适应策略重写权重
			if params.Analysis != nil && params.Analysis.HasSpecificTerms {
				params.SemanticWeight, params.LiteralWeight = 0.3, 0.7
			} else {
				params.SemanticWeight, params.LiteralWeight = 0.8, 0.2
			}
		}
	}

	var fused []entity.SearchResult
	switch method {
	case MethodRRF:
		fused = fuseRRF(semantic, literal, params)
	case MethodWeighted:
		fused = fuseWeighted(semantic, literal, params)
	case MethodBayesian:
		fused = fuseBayesian(semantic, literal, params)
	default:
		return nil, errors.New(errors.CodeFusionFailed, fmt.Sprintf("unknown fusion method: %s", method))
	}

	if params.DiversityPenalty > 0 {
		applyDiversityPenalty(fused, params.DiversityPenalty)
	}

	sortResults(fused)

	if params.MinFusionScore > 0 {
		filtered := fused[:0]
		for _, r := range fused {
			if r.Score >= params.MinFusionScore {
				filtered = append(filtered, r)
			}
		}
		fused = filtered
	}

	if len(fused) > maxFusedResults {
		fused = fused[:maxFusedResults]
	}

	return &Result{
		Results: fused,
		Method:  method,
		Metrics: computeMetrics(fused, len(semantic), len(literal)),
	}, nil
}

// resolveAdaptive 根据查询分析选择实际融合方法
func resolveAdaptive(params Params) Method {
	if params.Analysis == nil {
		return MethodRRF
	}
	if params.Analysis.HasSpecificTerms || params.Analysis.IsConceptual {
		return MethodWeighted
	}
	return MethodRRF
}

// fuseRRF 倒数排名融合，单列表贡献 1/(k+rank+1)
func fuseRRF(semantic, literal []entity.SearchResult, params Params) []entity.SearchResult {
	k := float64(params.RRFK)
	merged := map[string]*entity.SearchResult{}
	scores := map[string]float64{}
	literalScores := map[string]float64{}

	for rank, r := range semantic {
		scores[r.ChunkID] += 1 / (k + float64(rank) + 1)
		addCandidate(merged, r, entity.MatchSourceSemantic)
	}
	for rank, r := range literal {
		scores[r.ChunkID] += 1 / (k + float64(rank) + 1)
		literalScores[r.ChunkID] = r.Score
		addCandidate(merged, r, entity.MatchSourceLiteral)
	}

	out := collect(merged, scores)
	if params.BoostExactMatches && params.ExactMatchBoost > 0 {
		for i := range out {
			if out[i].Source == entity.MatchSourceHybrid && literalScores[out[i].ChunkID] > rrfExactMatchMinScore {
				out[i].Score += params.ExactMatchBoost
			}
		}
	}
	return out
}

// fuseWeighted 加权线性融合，可选每列表 min-max 归一化
func fuseWeighted(semantic, literal []entity.SearchResult, params Params) []entity.SearchResult {
	semScores := listScores(semantic, params.NormalizeScores)
	litScores := listScores(literal, params.NormalizeScores)

	merged := map[string]*entity.SearchResult{}
	scores := map[string]float64{}

	for i, r := range semantic {
		scores[r.ChunkID] += params.SemanticWeight * semScores[i]
		addCandidate(merged, r, entity.MatchSourceSemantic)
	}
	for i, r := range literal {
		scores[r.ChunkID] += params.LiteralWeight * litScores[i]
		addCandidate(merged, r, entity.MatchSourceLiteral)
	}

	out := collect(merged, scores)
	if params.BoostExactMatches && params.ExactMatchBoost > 0 {
		for i := range out {
			if out[i].Source == entity.MatchSourceHybrid {
				out[i].Score += params.ExactMatchBoost
			}
		}
	}
	return out
}

// fuseBayesian 以列表规模为先验的贝叶斯组合
func fuseBayesian(semantic, literal []entity.SearchResult, params Params) []entity.SearchResult {
	total := len(semantic) + len(literal)
	if total == 0 {
		return nil
	}
	semPrior := float64(len(semantic)) / float64(total)
	litPrior := float64(len(literal)) / float64(total)

	merged := map[string]*entity.SearchResult{}
	scores := map[string]float64{}

	for _, r := range semantic {
		scores[r.ChunkID] += semPrior * r.Score
		addCandidate(merged, r, entity.MatchSourceSemantic)
	}
	for _, r := range literal {
		scores[r.ChunkID] += litPrior * r.Score
		addCandidate(merged, r, entity.MatchSourceLiteral)
	}

	out := collect(merged, scores)
	if params.BoostExactMatches && params.ExactMatchBoost > 0 {
		for i := range out {
			if out[i].Source == entity.MatchSourceHybrid {
				out[i].Score += params.ExactMatchBoost
			}
		}
	}
	return out
}

// addCandidate 合并重复分块，双源命中标记为 hybrid
func addCandidate(merged map[string]*entity.SearchResult, r entity.SearchResult, source entity.MatchSource) {
	if existing, ok := merged[r.ChunkID]; ok {
		if existing.Source != source {
			existing.Source = entity.MatchSourceHybrid
		}
		if existing.Highlight == "" && r.Highlight != "" {
			existing.Highlight = r.Highlight
		}
		return
	}
	c := r
	c.Source = source
	merged[r.ChunkID] = &c
}

// collect 从合并表提取结果并写入融合得分
func collect(merged map[string]*entity.SearchResult, scores map[string]float64) []entity.SearchResult {
	out := make([]entity.SearchResult, 0, len(merged))
	for id, r := range merged {
		c := *r
		c.Score = scores[id]
		out = append(out, c)
	}
	return out
}

// listScores 返回列表原始得分，开启归一化时做 min-max
func listScores(results []entity.SearchResult, normalize bool) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.Score
	}
	if !normalize || len(out) == 0 {
		return out
	}
	lo, hi := out[0], out[0]
	for _, s := range out[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	if hi-lo < 1e-12 {
		// 所有得分相同时归一化为 1
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i := range out {
		out[i] = (out[i] - lo) / (hi - lo)
	}
	return out
}

// applyDiversityPenalty 同文档第二次及以后出现乘以 (1-p)
func applyDiversityPenalty(results []entity.SearchResult, penalty float64) {
	sortResults(results)
	seen := map[string]int{}
	for i := range results {
		n := seen[results[i].DocumentID]
		if n > 0 {
			results[i].Score *= 1 - penalty
		}
		seen[results[i].DocumentID] = n + 1
	}
}

// sortResults 得分降序，同分按分块 ID 升序保证确定性
func sortResults(results []entity.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

// preprocess 每列表按得分降序截断到上限
func preprocess(results []entity.SearchResult) []entity.SearchResult {
	out := make([]entity.SearchResult, len(results))
	copy(out, results)
	sortResults(out)
	if len(out) > maxInputPerList {
		out = out[:maxInputPerList]
	}
	return out
}

// fallback 融合失败时回退到单源结果
func fallback(semantic, literal []entity.SearchResult, method Method) *Result {
	src := semantic
	if len(src) == 0 {
		src = literal
	}
	if len(src) > fallbackLimit {
		src = src[:fallbackLimit]
	}
	return &Result{
		Results: src,
		Method:  method,
		Metrics: computeMetrics(src, len(semantic), len(literal)),
	}
}

// computeMetrics 统计融合结果的得分分布与文档多样性
func computeMetrics(results []entity.SearchResult, semIn, litIn int) Metrics {
	m := Metrics{
		TotalResults:  len(results),
		SemanticInput: semIn,
		LiteralInput:  litIn,
	}
	if len(results) == 0 {
		return m
	}

	docs := map[string]struct{}{}
	sum := 0.0
	m.MinScore = results[0].Score
	m.MaxScore = results[0].Score
	for _, r := range results {
		sum += r.Score
		if r.Score < m.MinScore {
			m.MinScore = r.Score
		}
		if r.Score > m.MaxScore {
			m.MaxScore = r.Score
		}
		docs[r.DocumentID] = struct{}{}
	}
	m.AvgScore = sum / float64(len(results))

	variance := 0.0
	for _, r := range results {
		d := r.Score - m.AvgScore
		variance += d * d
	}
	m.StdDev = math.Sqrt(variance / float64(len(results)))
	m.DiversityRatio = float64(len(docs)) / float64(len(results))
	return m
}

// memoKey 由两列表前 10 个分块 ID 和关键参数构成
func memoKey(semantic, literal []entity.SearchResult, params Params) string {
	var b strings.Builder
	writeIDs := func(results []entity.SearchResult) {
		n := len(results)
		if n > 10 {
			n = 10
		}
		for i := 0; i < n; i++ {
			b.WriteString(results[i].ChunkID)
			b.WriteByte(',')
		}
		b.WriteByte('|')
	}
	writeIDs(semantic)
	writeIDs(literal)
	fmt.Fprintf(&b, "%s|%.4f|%.4f|%d|%.4f|%.4f", params.Method,
		params.SemanticWeight, params.LiteralWeight, params.RRFK,
		params.MinFusionScore, params.DiversityPenalty)
	if params.Analysis != nil {
		fmt.Fprintf(&b, "|%v|%v", params.Analysis.HasSpecificTerms, params.Analysis.IsConceptual)
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
