package rollout

import (
	"hash/fnv"
)

// Mode はセッションごとのアーキテクチャモード
type Mode string

const (
	ModeRuleOnly    Mode = "rule_only"    // ルール分類のみ
	ModeLLMEnhanced Mode = "llm_enhanced" // 低確信度時にLLMで補強
)

// Config はロールアウト設定（プロセス全体の可変状態は持たない）
type Config struct {
	EnhancedPercent int    // 0..100
	Salt            string // バケット再配分用
}

// ArchitectureMode はセッションIDから決定的にモードを決める純粋関数
func ArchitectureMode(sessionID string, cfg Config) Mode {
	switch {
	case cfg.EnhancedPercent <= 0:
		return ModeRuleOnly
	case cfg.EnhancedPercent >= 100:
		return ModeLLMEnhanced
	}
	if Bucket(sessionID, cfg.Salt) < cfg.EnhancedPercent {
		return ModeLLMEnhanced
	}
	return ModeRuleOnly
}

// Bucket はセッションIDを 0..99 のバケットに割り当てる
func Bucket(sessionID, salt string) int {
	h := fnv.New32a()
	h.Write([]byte(salt))
	h.Write([]byte{':'})
	h.Write([]byte(sessionID))
	return int(h.Sum32() % 100)
}
