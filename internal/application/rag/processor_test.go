package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imovia-rag-api/internal/domain/entity"
)

func TestCleanTextNormalization(t *testing.T) {
	p := NewTextProcessor(1000, 200)

	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{"collapse spaces", "casa   com    piscina", "casa com piscina"},
		{"markdown link", "veja [o anúncio](https://example.com) completo", "veja o anúncio completo"},
		{"html tags", "<p>apartamento <b>novo</b></p>", "apartamento novo"},
		{"curly quotes", "“ótima” localização", `"ótima" localização`},
		{"space before punctuation", "casa grande , com quintal .", "casa grande, com quintal."},
		{"whitespace only", "   \n\t  ", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, p.CleanText(tc.input))
		})
	}
}

func TestChunkTextRespectsSizeLimit(t *testing.T) {
	p := NewTextProcessor(1000, 200)

	paragraphs := make([]string, 12)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat("o imóvel fica em região valorizada da cidade ", 4)
	}
	text := strings.Join(paragraphs, "\n\n")

	chunks, err := p.ChunkText(text, 500, 100)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 500+100)
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestChunkTextOverlapMustBeSmallerThanSize(t *testing.T) {
	p := NewTextProcessor(1000, 200)

	_, err := p.ChunkText("qualquer texto", 100, 100)
	assert.Error(t, err)

	_, err = p.ChunkText("qualquer texto", 100, 150)
	assert.Error(t, err)
}

func TestChunkTextEmptyInput(t *testing.T) {
	p := NewTextProcessor(1000, 200)

	chunks, err := p.ChunkText("   ", 500, 100)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkTextSplitsOversizedParagraph(t *testing.T) {
	p := NewTextProcessor(1000, 200)

	sentence := "A casa possui ampla área gourmet com churrasqueira e piscina aquecida. "
	oversized := strings.Repeat(sentence, 20)

	chunks, err := p.ChunkText(oversized, 300, 50)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 300)
	}
}

func TestChunkTextFiltersNoiseFragments(t *testing.T) {
	p := NewTextProcessor(1000, 200)

	text := "ok\n\n" + strings.Repeat("conteúdo relevante sobre o apartamento no centro da cidade ", 3)
	chunks, err := p.ChunkText(text, 500, 0)
	require.NoError(t, err)

	for _, chunk := range chunks {
		assert.GreaterOrEqual(t, len(chunk), 50)
	}
}

func TestProcessDocumentDeterministicIDs(t *testing.T) {
	p := NewTextProcessor(200, 40)

	content := strings.Repeat("Apartamento de três quartos próximo ao centro de Uberlândia. ", 10)
	docA := entity.NewDocument("Anúncio 42", content, "listing", nil)
	docB := entity.NewDocument("Anúncio 42", content, "listing", nil)

	chunksA, err := p.ProcessDocument(docA, 0, -1)
	require.NoError(t, err)
	chunksB, err := p.ProcessDocument(docB, 0, -1)
	require.NoError(t, err)

	require.Equal(t, len(chunksA), len(chunksB))
	for i := range chunksA {
		assert.Equal(t, chunksA[i].ID, chunksB[i].ID)
		assert.True(t, strings.HasPrefix(chunksA[i].ID, "chunk_"))
	}
	assert.Equal(t, docA.ID, docB.ID)
	assert.True(t, strings.HasPrefix(docA.ID, "doc_"))
}

func TestProcessDocumentMonotonicOffsets(t *testing.T) {
	p := NewTextProcessor(200, 40)

	content := strings.Repeat("Casa com quintal amplo em bairro residencial tranquilo da zona sul. ", 10)
	doc := entity.NewDocument("Casa zona sul", content, "listing", nil)

	chunks, err := p.ProcessDocument(doc, 0, -1)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	prevStart := -1
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.GreaterOrEqual(t, chunk.StartChar, prevStart)
		assert.Greater(t, chunk.EndChar, chunk.StartChar)
		prevStart = chunk.StartChar
	}
}

func TestProcessDocumentCleansContentInPlace(t *testing.T) {
	p := NewTextProcessor(1000, 200)

	doc := entity.NewDocument("Teste", "<p>conteúdo   com    marcação HTML e espaços extras para limpeza completa</p>", "general", nil)
	_, err := p.ProcessDocument(doc, 0, -1)
	require.NoError(t, err)
	assert.NotContains(t, doc.Content, "<p>")
	assert.NotContains(t, doc.Content, "   ")
}
