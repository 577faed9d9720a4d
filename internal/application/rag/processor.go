// Package rag 实现检索增强生成的应用层编排
package rag

import (
	"fmt"
	"regexp"
	"strings"

	"imovia-rag-api/internal/domain/entity"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	minChunkLength      = 50
)

var (
	reWhitespace   = regexp.MustCompile(`[ \t]+`)
	reBlankLines   = regexp.MustCompile(`\n\s*\n`)
	reMarkdownLink = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	reHTMLTag      = regexp.MustCompile(`<[^>]+>`)
	rePunctSpace   = regexp.MustCompile(`\s+([,.;:!?])`)
	reSentenceEnd  = regexp.MustCompile(`[.!?]+\s+`)
)

// TextProcessor 文档清洗与分块处理器
type TextProcessor struct {
	chunkSize    int
	chunkOverlap int
}

// NewTextProcessor 创建文本处理器
func NewTextProcessor(chunkSize, chunkOverlap int) *TextProcessor {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = defaultChunkOverlap
	}
	return &TextProcessor{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// CleanText 规范化文本：压缩空白、去除 Markdown 链接与 HTML 标签、统一引号
func (p *TextProcessor) CleanText(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	s := strings.ReplaceAll(text, "\r\n", "\n")
	s = reMarkdownLink.ReplaceAllString(s, "$1")
	s = reHTMLTag.ReplaceAllString(s, "")

	// 引号统一为直引号
	replacer := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
	s = replacer.Replace(s)

	s = reWhitespace.ReplaceAllString(s, " ")
	s = rePunctSpace.ReplaceAllString(s, "$1")
	s = reBlankLines.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}

// ChunkText 按段落切分文本，相邻分块间保留词边界对齐的重叠
func (p *TextProcessor) ChunkText(text string, chunkSize, chunkOverlap int) ([]string, error) {
	if chunkSize <= 0 {
		chunkSize = p.chunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = p.chunkOverlap
	}
	if chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", chunkOverlap, chunkSize)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}, nil
	}

	paragraphs := reBlankLines.Split(text, -1)

	var chunks []string
	var current string
	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		// 超长段落先按句子再按词递归切分
		if len(para) > chunkSize {
			if current != "" {
				chunks = append(chunks, current)
				current = ""
			}
			chunks = append(chunks, p.splitOversized(para, chunkSize)...)
			continue
		}

		if current == "" {
			current = para
			continue
		}

		if len(current)+len(para)+2 <= chunkSize {
			current = current + "\n\n" + para
			continue
		}

		chunks = append(chunks, current)
		current = joinWithOverlap(current, para, chunkOverlap)
	}
	if current != "" {
		chunks = append(chunks, current)
	}

	return filterShort(chunks, chunkSize), nil
}

// joinWithOverlap 以上一分块的词边界尾部作为下一分块的种子
func joinWithOverlap(prev, next string, overlap int) string {
	if overlap <= 0 || len(prev) <= overlap {
		return next
	}
	tail := prev[len(prev)-overlap:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 {
		tail = strings.TrimSpace(tail[idx+1:])
	}
	if tail == "" {
		return next
	}
	return tail + " " + next
}

// splitOversized 对超过分块上限的段落按句子切分，仍超限时按词切分
func (p *TextProcessor) splitOversized(para string, chunkSize int) []string {
	var out []string
	var current string
	for _, sent := range splitSentences(para) {
		if len(sent) > chunkSize {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			out = append(out, splitByWords(sent, chunkSize)...)
			continue
		}
		if current == "" {
			current = sent
		} else if len(current)+len(sent)+1 <= chunkSize {
			current = current + " " + sent
		} else {
			out = append(out, current)
			current = sent
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

// splitSentences 按句末标点切分，保留标点
func splitSentences(text string) []string {
	locs := reSentenceEnd.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var out []string
	prev := 0
	for _, loc := range locs {
		sent := strings.TrimSpace(text[prev:loc[1]])
		if sent != "" {
			out = append(out, sent)
		}
		prev = loc[1]
	}
	if rest := strings.TrimSpace(text[prev:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// splitByWords 按词切分为不超过上限的片段
func splitByWords(text string, chunkSize int) []string {
	words := strings.Fields(text)
	var out []string
	var current string
	for _, w := range words {
		if current == "" {
			current = w
		} else if len(current)+len(w)+1 <= chunkSize {
			current = current + " " + w
		} else {
			out = append(out, current)
			current = w
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

// filterShort 丢弃低于噪声阈值的分块
func filterShort(chunks []string, chunkSize int) []string {
	minLen := minChunkLength
	if chunkSize/10 > minLen {
		minLen = chunkSize / 10
	}
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if len(c) >= minLen {
			out = append(out, c)
		}
	}
	return out
}

// ProcessDocument 清洗文档内容并生成带确定性 ID 与偏移量的分块
// chunkSize ≤ 0 或 chunkOverlap < 0 时使用处理器默认值
func (p *TextProcessor) ProcessDocument(doc *entity.Document, chunkSize, chunkOverlap int) ([]*entity.DocumentChunk, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}
	if chunkSize <= 0 {
		chunkSize = p.chunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = p.chunkOverlap
	}

	cleaned := p.CleanText(doc.Content)
	doc.Content = cleaned

	pieces, err := p.ChunkText(cleaned, chunkSize, chunkOverlap)
	if err != nil {
		return nil, err
	}

	chunks := make([]*entity.DocumentChunk, 0, len(pieces))
	offset := 0
	for i, piece := range pieces {
		chunk := entity.NewDocumentChunk(doc.ID, i, piece)

		// 重叠的存在使偏移量是近似值，只保证单调递增
		start := strings.Index(cleaned[min(offset, len(cleaned)):], piece)
		if start >= 0 {
			chunk.StartChar = offset + start
		} else {
			chunk.StartChar = offset
		}
		chunk.EndChar = chunk.StartChar + len(piece)
		offset = chunk.StartChar

		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
