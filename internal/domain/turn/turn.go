package turn

import (
	"strings"

	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// Command は明示コマンド
type Command string

const (
	CommandNone  Command = ""
	CommandHuman Command = "/human" // 人間への引き継ぎを要求
	CommandReset Command = "/reset" // 終了した会話を再開
)

// Turn はユーザーからの受信メッセージ1件を表す値オブジェクト
type Turn struct {
	id             ID
	conversationID string
	text           string
	channel        outbox.Channel
	destination    string
}

// New は新しいTurnを作成
func New(id ID, conversationID, text string, channel outbox.Channel, destination string) Turn {
	return Turn{
		id:             id,
		conversationID: conversationID,
		text:           text,
		channel:        channel,
		destination:    destination,
	}
}

// ID はターンIDを返す
func (t Turn) ID() ID {
	return t.id
}

// ConversationID は会話IDを返す
func (t Turn) ConversationID() string {
	return t.conversationID
}

// Text は受信テキストを返す
func (t Turn) Text() string {
	return t.text
}

// Channel は受信チャネルを返す
func (t Turn) Channel() outbox.Channel {
	return t.channel
}

// Destination は返信先（チャットID等）を返す
func (t Turn) Destination() string {
	return t.destination
}

// Command は明示コマンドを解析
func (t Turn) Command() Command {
	fields := strings.Fields(strings.TrimSpace(t.text))
	if len(fields) == 0 {
		return CommandNone
	}
	switch strings.ToLower(fields[0]) {
	case string(CommandHuman):
		return CommandHuman
	case string(CommandReset):
		return CommandReset
	default:
		return CommandNone
	}
}
