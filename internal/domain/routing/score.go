package routing

import "sort"

// NoMatchScore はどのパターンにも一致しなかった場合の確信度
const NoMatchScore = 0.2

// RouteScore は1メッセージ分のルート別スコア（ターン外には持ち越さない）
type RouteScore struct {
	Scores            map[Route]float64
	BestRoute         Route
	PatternConfidence float64
}

// NewRouteScore はスコアをクランプし、最良ルートを決めたRouteScoreを作成
// 空のマップを渡された場合は clarification の低スコアを合成する
func NewRouteScore(scores map[Route]float64) RouteScore {
	clamped := make(map[Route]float64, len(scores))
	for route, score := range scores {
		clamped[route] = Clamp(score)
	}
	if len(clamped) == 0 {
		clamped[RouteClarification] = NoMatchScore
	}

	// 同点時の結果を安定させるためルート名順に走査
	routes := make([]Route, 0, len(clamped))
	for route := range clamped {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i] < routes[j] })

	best := routes[0]
	for _, route := range routes[1:] {
		if clamped[route] > clamped[best] {
			best = route
		}
	}

	return RouteScore{
		Scores:            clamped,
		BestRoute:         best,
		PatternConfidence: clamped[best],
	}
}

// Score は指定ルートのスコアを返す
func (s RouteScore) Score(route Route) float64 {
	return s.Scores[route]
}

// Clamp は値を [0,1] に丸める
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
