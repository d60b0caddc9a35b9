// Package responder turns a system prompt template, the recent conversation
// and the customer's new message into one reply text.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PromptDesk/internal/genai"
	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/openai/openai-go"
)

// Responder constants
const (
	// HistoryWindow is the number of trailing conversation entries shown to the model
	HistoryWindow = 15
	// FallbackCustomerName replaces name placeholders when the name is unknown
	FallbackCustomerName = "Cliente"
	// ApologyMessage is returned whenever generation fails
	ApologyMessage = "Desculpe, ocorreu um erro ao processar sua mensagem. Por favor, tente novamente."
)

// namePlaceholders are the template tokens replaced by the customer's name.
// Longer tokens come first so "{{nome}}" is not half-replaced by "{nome}".
var namePlaceholders = []string{
	"[Nome do Cliente]",
	"[nome do cliente]",
	"[NOME DO CLIENTE]",
	"{{nome_cliente}}",
	"{{nome}}",
	"{nome_cliente}",
	"{customer_name}",
	"{nome}",
	"[Nome]",
	"[nome]",
	"[NOME]",
}

// Request is the input of a single reply generation.
type Request struct {
	SystemPrompt string
	History      []models.Message
	Message      string
	CustomerName string
}

// Responder produces a reply text. Implementations never fail: any error is
// replaced by a fixed apology so the customer always receives an answer.
type Responder interface {
	Reply(ctx context.Context, req Request) string
}

// AIResponder generates replies with a language model.
type AIResponder struct {
	client genai.ClientInterface
	// OnFailure is called when generation fails and the apology is used.
	OnFailure func(err error)
}

// Compile-time check that AIResponder implements Responder.
var _ Responder = (*AIResponder)(nil)

// NewAIResponder creates a Responder backed by client.
func NewAIResponder(client genai.ClientInterface) *AIResponder {
	return &AIResponder{client: client}
}

// Reply builds the prompt and calls the model once.
func (r *AIResponder) Reply(ctx context.Context, req Request) string {
	messages := BuildMessages(req)
	reply, err := r.client.GenerateWithMessages(ctx, messages)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = fmt.Errorf("empty completion")
	}
	if err != nil {
		slog.Error("AIResponder.Reply: generation failed, using apology", "error", err)
		if r.OnFailure != nil {
			r.OnFailure(err)
		}
		return ApologyMessage
	}
	return reply
}

// BuildMessages renders the request into chat messages: one system message
// (template with names substituted, then the history block) and the user turn.
func BuildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	system := ApplyNamePlaceholders(req.SystemPrompt, req.CustomerName)
	if block := FormatHistory(req.History); block != "" {
		system += "\n\n" + block
	}
	return []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(req.Message),
	}
}

// ApplyNamePlaceholders replaces every recognised name token in template.
func ApplyNamePlaceholders(template, name string) string {
	if models.IsPlaceholderName(name) {
		name = FallbackCustomerName
	}
	name = strings.TrimSpace(name)
	for _, p := range namePlaceholders {
		template = strings.ReplaceAll(template, p, name)
	}
	return template
}

// FormatHistory renders the trailing HistoryWindow messages as alternating
// customer/assistant lines inside a delimited block.
func FormatHistory(history []models.Message) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	var b strings.Builder
	b.WriteString("=== HISTÓRICO DA CONVERSA ===\n")
	for _, m := range history {
		role := "Assistente"
		if m.Sender == models.SenderUser {
			role = "Cliente"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(m.Content), "\n", " "))
		b.WriteString("\n")
	}
	b.WriteString("=== FIM DO HISTÓRICO ===\n")
	b.WriteString("IMPORTANTE: não repita perguntas que já foram feitas no histórico acima. Continue a conversa a partir da última mensagem do cliente.")
	return b.String()
}
