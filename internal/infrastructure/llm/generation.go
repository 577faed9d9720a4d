package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"imovia-rag-api/internal/domain/entity"
	apperrors "imovia-rag-api/pkg/errors"
	"imovia-rag-api/pkg/logger"
	"imovia-rag-api/pkg/metrics"
)

// 上下文长度上限，超出则截断，首个分块始终保留
const maxContextLength = 4000

const defaultSystemPrompt = `Você é um assistente especialista em imóveis em Uberlândia/MG.

Instruções:
1. Use APENAS as informações fornecidas no contexto para responder
2. Se a informação não estiver no contexto, diga "Não encontrei essa informação nos documentos disponíveis"
3. Seja específico e cite as fontes quando possível
4. Mantenha um tom profissional e útil
5. Foque em informações relevantes para o mercado imobiliário de Uberlândia/MG
6. Se necessário, sugira outras fontes ou próximos passos

Responda sempre em português brasileiro.`

// Generator 基于检索上下文的答案生成服务
type Generator struct {
	factory  *EinoFactory
	provider string
}

// NewGenerator 创建答案生成服务，provider 为空时使用默认提供商
func NewGenerator(factory *EinoFactory, provider string) *Generator {
	return &Generator{
		factory:  factory,
		provider: provider,
	}
}

// Generate 基于检索出的分块生成答案，systemPrompt 为空时使用默认提示词
func (g *Generator) Generate(ctx context.Context, query string, sources []entity.SearchResult, systemPrompt string, temperature float64) (string, error) {
	if g == nil || g.factory == nil {
		return "", fmt.Errorf("llm factory not configured")
	}

	chatModel, err := g.factory.Get(ctx, g.provider)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeLLMProviderError, "failed to resolve chat model")
	}

	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}

	msgs := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(buildUserMessage(query, buildContext(sources))),
	}

	opts := []model.Option{
		model.WithTemperature(float32(temperature)),
	}

	start := time.Now()
	outMsg, err := chatModel.Generate(ctx, msgs, opts...)
	elapsed := time.Since(start)

	providerLabel := g.provider
	if providerLabel == "" {
		providerLabel = "default"
	}
	if err != nil {
		metrics.LLMCallTotal.WithLabelValues(providerLabel, "", "error").Inc()
		return "", apperrors.Wrap(err, apperrors.CodeLLMCallFailed, "answer generation failed")
	}
	if outMsg == nil || strings.TrimSpace(outMsg.Content) == "" {
		metrics.LLMCallTotal.WithLabelValues(providerLabel, "", "error").Inc()
		return "", apperrors.New(apperrors.CodeLLMCallFailed, "empty llm response")
	}

	modelLabel := ""
	if outMsg.ResponseMeta != nil && outMsg.ResponseMeta.Usage != nil {
		metrics.LLMTokensUsed.WithLabelValues(providerLabel, modelLabel, "prompt").Add(float64(outMsg.ResponseMeta.Usage.PromptTokens))
		metrics.LLMTokensUsed.WithLabelValues(providerLabel, modelLabel, "completion").Add(float64(outMsg.ResponseMeta.Usage.CompletionTokens))
	}
	metrics.LLMCallTotal.WithLabelValues(providerLabel, modelLabel, "success").Inc()
	metrics.LLMCallDuration.WithLabelValues(providerLabel, modelLabel).Observe(elapsed.Seconds())

	logger.Debug(ctx, "answer generated",
		"sources", len(sources),
		"answer_length", len(outMsg.Content),
		"elapsed_ms", elapsed.Milliseconds(),
	)

	return strings.TrimSpace(outMsg.Content), nil
}

// buildContext 拼接检索分块为上下文，按长度预算截断
func buildContext(sources []entity.SearchResult) string {
	if len(sources) == 0 {
		return ""
	}

	var parts []string
	currentLength := 0
	for i, src := range sources {
		title := src.DocumentTitle
		if title == "" {
			title = "Documento sem título"
		}
		part := fmt.Sprintf("[Documento: %s | Relevância: %.2f]\n%s", title, src.Score, src.Content)

		if currentLength+len(part) > maxContextLength {
			if i == 0 {
				parts = append(parts, part[:maxContextLength])
			}
			break
		}
		parts = append(parts, part)
		currentLength += len(part)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// buildUserMessage 组装用户消息
func buildUserMessage(query, context string) string {
	if context == "" {
		return fmt.Sprintf("Pergunta: %s\n\nContexto: Nenhum contexto relevante encontrado.", query)
	}
	return fmt.Sprintf(`Contexto dos documentos:

%s

---

Pergunta: %s

Por favor, responda com base nas informações do contexto fornecido.`, context, query)
}
