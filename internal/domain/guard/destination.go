package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// ErrNoValidDestination は安全なデフォルトまで全て無効だった場合のエラー
var ErrNoValidDestination = errors.New("no valid destination identifier")

// Source は宛先の解決元
type Source string

const (
	SourcePerMessage      Source = "per_message"
	SourcePerChannel      Source = "per_channel"
	SourcePerConversation Source = "per_conversation"
	SourceSafeDefault     Source = "safe_default"
)

// DefaultDenyPatterns はデバッグ/テスト用プレースホルダを弾くデフォルトパターン
func DefaultDenyPatterns() []string {
	return []string{
		`^thread_\d+$`,
		`(?i)^(test|debug|dummy|placeholder|example|sample)([_-].*)?$`,
		`^\{.*\}$`,
		`(?i)^(none|null|nil|undefined)$`,
		`^0+$`,
	}
}

// DenyList は禁止パターンの集合
type DenyList struct {
	patterns []*regexp.Regexp
}

// CompileDenyList はパターンをコンパイルする（不正な正規表現は起動時エラー）
func CompileDenyList(patterns []string) (*DenyList, error) {
	d := &DenyList{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// Match は最初に一致した禁止パターンを返す
func (d *DenyList) Match(value string) (string, bool) {
	if d == nil {
		return "", false
	}
	for _, re := range d.patterns {
		if re.MatchString(value) {
			return re.String(), true
		}
	}
	return "", false
}

// ResolverConfig は宛先解決の設定
type ResolverConfig struct {
	SafeDefault string
	PerChannel  map[outbox.Channel]string
}

// Resolver はメッセージ → チャネル → 会話 → 安全なデフォルトの順で宛先を決める
type Resolver struct {
	deny *DenyList
	cfg  ResolverConfig
}

// NewResolver は新しいResolverを作成
func NewResolver(deny *DenyList, cfg ResolverConfig) *Resolver {
	return &Resolver{deny: deny, cfg: cfg}
}

// Resolution は宛先解決の結果
type Resolution struct {
	Value      string
	Source     Source
	Violations []*DestinationViolation
}

// Resolve は候補を優先順に検査し、禁止パターンに一致した候補は飛ばす
func (r *Resolver) Resolve(conversationID string, env outbox.Envelope, conversationDestination string) (Resolution, error) {
	candidates := []struct {
		source Source
		value  string
	}{
		{SourcePerMessage, env.Destination()},
		{SourcePerChannel, r.cfg.PerChannel[env.Channel]},
		{SourcePerConversation, conversationDestination},
		{SourceSafeDefault, r.cfg.SafeDefault},
	}

	var res Resolution
	for _, c := range candidates {
		value := strings.TrimSpace(c.value)
		if value == "" {
			continue
		}
		if pattern, denied := r.deny.Match(value); denied {
			res.Violations = append(res.Violations, &DestinationViolation{
				ConversationID: conversationID,
				Source:         c.source,
				Value:          value,
				Pattern:        pattern,
			})
			continue
		}
		res.Value = value
		res.Source = c.source
		return res, nil
	}
	return res, ErrNoValidDestination
}

// ValidateSafeDefault は安全なデフォルト自体が禁止パターンに一致しないかを検証
func (r *Resolver) ValidateSafeDefault() error {
	if strings.TrimSpace(r.cfg.SafeDefault) == "" {
		return nil
	}
	if pattern, denied := r.deny.Match(r.cfg.SafeDefault); denied {
		return fmt.Errorf("safe default destination %q matches deny pattern %q", r.cfg.SafeDefault, pattern)
	}
	return nil
}
