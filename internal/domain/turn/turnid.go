package turn

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID はターン（1件の受信メッセージ処理）の一意識別子を表す値オブジェクト
type ID struct {
	value string
}

// NewID は新しいIDを生成
func NewID() ID {
	// フォーマット: YYYYMMDD-HHMMSS-{UUID先頭8文字}
	now := time.Now()
	datePrefix := now.Format("20060102-150405")
	uuidStr := uuid.New().String()[:8]

	return ID{
		value: fmt.Sprintf("%s-%s", datePrefix, uuidStr),
	}
}

// IDFromString は文字列からIDを復元
func IDFromString(s string) ID {
	return ID{value: s}
}

// String はIDの文字列表現を返す
func (i ID) String() string {
	return i.value
}

// Equals は2つのIDが等しいかを判定
func (i ID) Equals(other ID) bool {
	return i.value == other.value
}

// IsZero はIDがゼロ値かを判定
func (i ID) IsZero() bool {
	return i.value == ""
}
