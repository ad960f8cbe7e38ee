package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrEmptyText は正規化後にテキストが空になった場合のエラー
var ErrEmptyText = errors.New("envelope text is empty after normalization")

// Channel は送信チャネル
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelApp      Channel = "app"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelLINE     Channel = "line"
	ChannelTelegram Channel = "telegram"
	ChannelSlack    Channel = "slack"
	ChannelDiscord  Channel = "discord"
)

// String はChannelの文字列表現を返す
func (c Channel) String() string {
	return string(c)
}

// Valid は既知のチャネルかを判定
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelApp, ChannelWhatsApp, ChannelLINE, ChannelTelegram, ChannelSlack, ChannelDiscord:
		return true
	}
	return false
}

// メタデータの予約キー
const (
	MetaDestination = "destination" // メッセージ単位の宛先上書き
	MetaInstance    = "instance"    // チャネルインスタンス
	MetaSynthetic   = "synthetic"   // 合成フォールバックの印
	MetaNode        = "node"        // 生成元ノード
	MetaTurn        = "turn"        // 生成元ターン（冪等キーをターン単位にする）
)

// Envelope は送信待ちメッセージ
type Envelope struct {
	Text           string            `json:"text"`
	Channel        Channel           `json:"channel"`
	Meta           map[string]string `json:"meta,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewEnvelope はテキストを正規化し冪等キーを計算したEnvelopeを作成
func NewEnvelope(text string, channel Channel, meta map[string]string) (Envelope, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return Envelope{}, ErrEmptyText
	}

	copied := make(map[string]string, len(meta))
	for k, v := range meta {
		copied[k] = v
	}

	return Envelope{
		Text:           normalized,
		Channel:        channel,
		Meta:           copied,
		IdempotencyKey: IdempotencyKey(normalized, channel, copied),
		CreatedAt:      time.Now(),
	}, nil
}

// Destination はメッセージ単位の宛先上書きを返す
func (e Envelope) Destination() string {
	return e.Meta[MetaDestination]
}

// Instance はチャネルインスタンスを返す
func (e Envelope) Instance() string {
	return e.Meta[MetaInstance]
}

var (
	placeholderPattern = regexp.MustCompile(`\{\{[^{}]*\}\}|\{[A-Za-z_][A-Za-z0-9_.]*\}`)
	spacesPattern      = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforePunct   = regexp.MustCompile(`[ \t]+([,.!?;:])`)
)

// NormalizeText は未解決のテンプレートプレースホルダを除去し空白を整える
// 拒否ではなく除去する
func NormalizeText(text string) string {
	stripped := placeholderPattern.ReplaceAllString(text, "")
	stripped = spacesPattern.ReplaceAllString(stripped, " ")
	stripped = spaceBeforePunct.ReplaceAllString(stripped, "$1")

	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// IdempotencyKey は text + channel + ソート済み meta から決定的なキーを計算
func IdempotencyKey(text string, channel Channel, meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(channel))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(meta[k]))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
