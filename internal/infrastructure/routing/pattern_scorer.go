package routing

import (
	"regexp"
	"strings"

	"github.com/Nyukimin/convoroute/internal/domain/entity"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// noMatchLabel はどのパターンにも一致しなかったことを示すラベル
const noMatchLabel = "no_match"

// AnyRoute はステージ係数のワイルドカード
const AnyRoute routing.Route = "*"

// StageWeights は現在ステージ → ルート → 係数
// 同じテキストでも会話の進み具合で意味が変わることを反映する
type StageWeights map[routing.Route]map[routing.Route]float64

// DefaultStageWeights はデフォルトのステージ係数を返す
func DefaultStageWeights() StageWeights {
	laterStage := map[routing.Route]float64{routing.RouteGreeting: 0.5}
	return StageWeights{
		routing.RouteGreeting:       {routing.RouteGreeting: 1.2},
		routing.RouteInformation:    laterStage,
		routing.RouteQualification:  laterStage,
		routing.RouteScheduling:     laterStage,
		routing.RouteObjection:      laterStage,
		routing.RouteDataCollection: {routing.RouteGreeting: 0.5, routing.RouteDataCollection: 1.2},
		routing.RouteCompleted:      {AnyRoute: 0.5},
		routing.RouteHandoff:        {AnyRoute: 0.5},
	}
}

// Merge は上書き分をルート単位で重ねた新しいStageWeightsを返す（元は変更しない）
func (w StageWeights) Merge(overrides StageWeights) StageWeights {
	out := make(StageWeights, len(w)+len(overrides))
	for stage, byRoute := range w {
		out[stage] = byRoute
	}
	for stage, byRoute := range overrides {
		merged := make(map[routing.Route]float64, len(out[stage])+len(byRoute))
		for route, m := range out[stage] {
			merged[route] = m
		}
		for route, m := range byRoute {
			merged[route] = m
		}
		out[stage] = merged
	}
	return out
}

// Multiplier は現在ステージにおけるルートの係数を返す（未設定は 1.0）
func (w StageWeights) Multiplier(stage, route routing.Route) float64 {
	byRoute, ok := w[stage]
	if !ok {
		return 1.0
	}
	if m, ok := byRoute[route]; ok {
		return m
	}
	if m, ok := byRoute[AnyRoute]; ok {
		return m
	}
	return 1.0
}

// pattern は単一のパターン（リテラルまたは正規表現）
type pattern struct {
	literal string
	re      *regexp.Regexp
	score   float64
	label   string
}

func (p pattern) match(lower string) bool {
	if p.re != nil {
		return p.re.MatchString(lower)
	}
	return strings.Contains(lower, p.literal)
}

// routeRule はルートごとの順序付きパターン集合
type routeRule struct {
	route    routing.Route
	patterns []pattern
}

// entityBoost はエンティティ検出時の加算ブースト
type entityBoost struct {
	key   string
	route routing.Route
	boost float64
}

// Scored はスコアリング結果
type Scored struct {
	Score    routing.RouteScore
	Entities entity.Entities
	Labels   map[routing.Route]string // ルートごとに一致したパターンのラベル
}

// PatternScorer はテキストとステージ文脈からルート別確信度を算出する
type PatternScorer struct {
	rules   []routeRule
	boosts  []entityBoost
	weights StageWeights
}

// NewPatternScorer は新しいPatternScorerを作成
func NewPatternScorer(weights StageWeights) *PatternScorer {
	if weights == nil {
		weights = DefaultStageWeights()
	}
	return &PatternScorer{
		rules:   defaultRules(),
		boosts:  defaultBoosts(),
		weights: weights,
	}
}

// Score はルート→スコアの全マップを返す（空のマップは返さない）
func (s *PatternScorer) Score(text string, stage routing.Route, collected map[string]string) Scored {
	lower := strings.ToLower(strings.TrimSpace(text))
	entities := entity.Extract(text)

	raw := make(map[routing.Route]float64)
	labels := make(map[routing.Route]string)

	// ルートごとに最も強い一致をベーススコアにする
	for _, rule := range s.rules {
		for _, p := range rule.patterns {
			if !p.match(lower) {
				continue
			}
			if p.score > raw[rule.route] {
				raw[rule.route] = p.score
				labels[rule.route] = p.label
			}
		}
	}

	// 未収集スロットを埋めるエンティティはデータ提供とみなす
	if fills := missingSlotFills(entities, collected); len(fills) > 0 {
		base := 0.6
		if stage == routing.RouteDataCollection {
			base = 0.75
		}
		if base > raw[routing.RouteDataCollection] {
			raw[routing.RouteDataCollection] = base
			labels[routing.RouteDataCollection] = "slot_fill:" + strings.Join(fills, ",")
		}
	}

	// 収集・予約ステージで日程が示されたら予約への回答とみなす
	if stage == routing.RouteDataCollection || stage == routing.RouteScheduling {
		if fills := missingScheduleFills(entities, collected); len(fills) > 0 && scheduleAnswerBase > raw[routing.RouteScheduling] {
			raw[routing.RouteScheduling] = scheduleAnswerBase
			labels[routing.RouteScheduling] = "schedule_fill:" + strings.Join(fills, ",")
		}
	}

	for _, b := range s.boosts {
		if entities.Has(b.key) {
			raw[b.route] += b.boost
			if labels[b.route] == "" {
				labels[b.route] = "entity:" + b.key
			}
		}
	}

	for route, score := range raw {
		raw[route] = routing.Clamp(score * s.weights.Multiplier(stage, route))
	}

	// NewRouteScore が空マップ時に clarification の低スコアを合成する
	score := routing.NewRouteScore(raw)
	if len(raw) == 0 {
		labels[routing.RouteClarification] = noMatchLabel
	}

	return Scored{
		Score:    score,
		Entities: entities,
		Labels:   labels,
	}
}

// slotForEntity はエンティティキーと対応するスロット名
var slotForEntity = map[string][]string{
	entity.KeyEmail:      {"contact_email"},
	entity.KeyAge:        {"child_age"},
	entity.KeyChildName:  {"child_name"},
	entity.KeyPersonName: {"parent_name", "child_name"},
}

// scheduleAnswerBase は日程回答とみなした場合の予約ルートのベーススコア
const scheduleAnswerBase = 0.75

// scheduleSlotForEntity は日程エンティティと対応する予約スロット名
var scheduleSlotForEntity = map[string]string{
	entity.KeyDate: "preferred_date",
	entity.KeyTime: "preferred_time",
}

// missingScheduleFills は未収集の予約スロットを埋められる日程エンティティを返す
func missingScheduleFills(e entity.Entities, collected map[string]string) []string {
	var fills []string
	for _, key := range e.Keys() {
		if slot, ok := scheduleSlotForEntity[key]; ok && collected[slot] == "" {
			fills = append(fills, slot)
		}
	}
	return fills
}

// missingSlotFills は未収集スロットを埋められるエンティティを返す
func missingSlotFills(e entity.Entities, collected map[string]string) []string {
	var fills []string
	for _, key := range e.Keys() {
		for _, slot := range slotForEntity[key] {
			if collected[slot] == "" {
				fills = append(fills, slot)
				break
			}
		}
	}
	return fills
}

// word は前後が文字でない位置での一致を表す正規表現を作る
// RE2 の \b は ASCII 限定のため自前で境界を書く
func word(alternatives ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\p{L}])(?:` + strings.Join(alternatives, "|") + `)(?:$|[^\p{L}])`)
}

func defaultRules() []routeRule {
	return []routeRule{
		{
			route: routing.RouteHandoff,
			patterns: []pattern{
				{re: word("atendente", "humano", "uma pessoa", "pessoa real", "human", "real person", "representative", "agent"), score: 0.9, label: "human_request"},
				{literal: "falar com alguém", score: 0.85, label: "talk_to_someone"},
			},
		},
		{
			route: routing.RouteGreeting,
			patterns: []pattern{
				{re: regexp.MustCompile(`^(?:oi|olá|ola|hello|hi|hey|e aí|eai)(?:$|[^\p{L}])`), score: 0.85, label: "salutation"},
				{re: word("bom dia", "boa tarde", "boa noite", "good morning", "good afternoon", "good evening"), score: 0.8, label: "time_greeting"},
			},
		},
		{
			route: routing.RouteScheduling,
			patterns: []pattern{
				{re: word("agendar", "marcar", "aula experimental", "visita", "schedule", "book", "appointment", "trial class"), score: 0.85, label: "booking_request"},
				{re: word("quero matricular", "matrícula", "matricula", "fechado", "vamos fazer", "sign up", "enroll"), score: 0.8, label: "decision"},
				{re: word("horário disponível", "horarios", "horários", "disponibilidade", "availability"), score: 0.7, label: "availability"},
			},
		},
		{
			route: routing.RouteInformation,
			patterns: []pattern{
				{re: word("quanto custa", "preço", "preco", "valor", "mensalidade", "price", "cost", "how much", "fee"), score: 0.8, label: "pricing"},
				{re: word("como funciona", "metodologia", "informação", "informações", "informacoes", "how does it work", "information", "details"), score: 0.75, label: "how_it_works"},
				{re: regexp.MustCompile(`\?\s*$`), score: 0.6, label: "question"},
			},
		},
		{
			route: routing.RouteQualification,
			patterns: []pattern{
				{re: word("meu filho", "minha filha", "my son", "my daughter", "my child"), score: 0.75, label: "child_mention"},
				{re: regexp.MustCompile(`\d{1,2}\s*(?:anos|years?\s*old)`), score: 0.7, label: "age_mention"},
				{re: word("série", "serie", "ano escolar", "grade", "school year"), score: 0.65, label: "school_grade"},
			},
		},
		{
			route: routing.RouteObjection,
			patterns: []pattern{
				{re: word("muito caro", "caro demais", "too expensive", "expensive"), score: 0.8, label: "price_objection"},
				{re: word("vou pensar", "não tenho tempo", "nao tenho tempo", "not sure", "think about it", "no time"), score: 0.75, label: "hesitation"},
			},
		},
	}
}

func defaultBoosts() []entityBoost {
	return []entityBoost{
		{key: entity.KeyPersonName, route: routing.RouteGreeting, boost: 0.1},
		{key: entity.KeyPersonName, route: routing.RouteInformation, boost: 0.05},
		{key: entity.KeyDate, route: routing.RouteScheduling, boost: 0.15},
		{key: entity.KeyTime, route: routing.RouteScheduling, boost: 0.1},
		{key: entity.KeyAge, route: routing.RouteQualification, boost: 0.1},
		{key: entity.KeyChildName, route: routing.RouteQualification, boost: 0.1},
		{key: entity.KeyProgram, route: routing.RouteInformation, boost: 0.1},
		{key: entity.KeyEmail, route: routing.RouteDataCollection, boost: 0.1},
	}
}
