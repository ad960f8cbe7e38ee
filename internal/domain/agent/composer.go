package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// DefaultTemplates はノードごとの既定テンプレート
// {slot} は収集済みスロットで置換され、未解決のものはOutboxで除去される
func DefaultTemplates() map[routing.Route][]string {
	return map[routing.Route][]string{
		routing.RouteGreeting: {
			"Olá {parent_name}! Sou a assistente de matrículas. Como posso te ajudar hoje?",
		},
		routing.RouteInformation: {
			"Nossos programas combinam aulas presenciais e acompanhamento individual. Quer saber sobre valores, horários ou a metodologia?",
		},
		routing.RouteQualification: {
			"Que bom! Para indicar o melhor programa para {child_name}, qual a idade e a série escolar?",
		},
		routing.RouteScheduling: {
			"Perfeito, {parent_name}! Vou reservar a aula experimental de {child_name} para {preferred_date} {preferred_time}. Enviaremos a confirmação para {contact_email}.",
		},
		routing.RouteObjection: {
			"Entendo sua preocupação. A primeira aula experimental é gratuita, assim você pode conhecer sem compromisso.",
		},
		routing.RouteClarification: {
			"Desculpe, não entendi muito bem. Você pode me contar um pouco mais?",
		},
		routing.RouteFallback: {
			"Desculpe, não consegui entender. Você quer informações, agendar uma aula experimental ou falar com um atendente?",
		},
		routing.RouteHandoff: {
			"Vou te transferir para um atendente da nossa equipe. Em instantes alguém continua a conversa com você.",
		},
		routing.RouteCompleted: {
			"Obrigada, {parent_name}! Qualquer dúvida é só chamar.",
		},
	}
}

// fieldQuestions は収集フィールドごとの質問文
var fieldQuestions = map[string]string{
	conversation.SlotParentName:   "Para continuar, qual é o seu nome?",
	conversation.SlotChildName:    "Qual é o nome do aluno?",
	conversation.SlotChildAge:     "Qual a idade do aluno?",
	conversation.SlotContactEmail: "Qual e-mail podemos usar para enviar a confirmação?",
}

// AllCollectedText は収集フィールドが全て揃った場合の質問文
const AllCollectedText = "Obrigada! Já tenho todos os dados. Qual dia e horário você prefere para a aula experimental?"

// DefaultCollectOrder は収集ステージで尋ねる順序
func DefaultCollectOrder() []string {
	return []string{
		conversation.SlotParentName,
		conversation.SlotChildName,
		conversation.SlotChildAge,
		conversation.SlotContactEmail,
	}
}

// TemplateComposer はテンプレートから下書きを作るResponseComposer
type TemplateComposer struct {
	templates    map[routing.Route][]string
	collectOrder []string
}

// NewTemplateComposer は新しいTemplateComposerを作成（nil なら既定テンプレート）
func NewTemplateComposer(templates map[routing.Route][]string) *TemplateComposer {
	if templates == nil {
		templates = DefaultTemplates()
	}
	return &TemplateComposer{templates: templates, collectOrder: DefaultCollectOrder()}
}

// Compose は決定に対応する下書きを返す
func (c *TemplateComposer) Compose(ctx context.Context, state *conversation.State, d routing.Decision, outcome classification.Outcome) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.MandatoryDataOverride && len(d.MissingFields) > 0 {
		return []string{c.askFor(c.nextMissing(d.MissingFields))}, nil
	}

	if d.TargetNode == routing.RouteDataCollection {
		for _, field := range c.collectOrder {
			if _, ok := state.Slot(field); !ok {
				return []string{c.askFor(field)}, nil
			}
		}
		return []string{AllCollectedText}, nil
	}

	if d.ThresholdAction == routing.ActionEnhanceWithLLM && outcome != nil {
		if hint := strings.TrimSpace(outcome.Result().DeliveryPayload); hint != "" {
			return []string{hint}, nil
		}
	}

	templates, ok := c.templates[d.TargetNode]
	if !ok || len(templates) == 0 {
		return nil, fmt.Errorf("no template for node %s", d.TargetNode)
	}

	slots := state.Slots()
	drafts := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		drafts = append(drafts, render(tmpl, slots))
	}
	return drafts, nil
}

// nextMissing は収集順に従って最初に尋ねるべき未収集フィールドを返す
// 収集順にないフィールドしか残っていなければ先頭を返す
func (c *TemplateComposer) nextMissing(missing []string) string {
	for _, field := range c.collectOrder {
		for _, m := range missing {
			if m == field {
				return field
			}
		}
	}
	return missing[0]
}

func (c *TemplateComposer) askFor(field string) string {
	if q, ok := fieldQuestions[field]; ok {
		return q
	}
	return fmt.Sprintf("Para continuar, preciso de uma informação: %s.", strings.ReplaceAll(field, "_", " "))
}

// render は {slot} を収集済みの値で置換する
func render(tmpl string, slots map[string]string) string {
	out := tmpl
	for name, value := range slots {
		if value == "" {
			continue
		}
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
