package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// JSONConversationRepository はJSONファイルベースのConversationRepository実装
type JSONConversationRepository struct {
	baseDir string
}

// NewJSONConversationRepository は新しいJSONConversationRepositoryを作成
func NewJSONConversationRepository(baseDir string) *JSONConversationRepository {
	return &JSONConversationRepository{
		baseDir: baseDir,
	}
}

// conversationDTO はJSONシリアライズ用のDTO
// Outbox は omitempty にしない（nil と空を区別して復元するため）
type conversationDTO struct {
	ID                 string            `json:"id"`
	Channel            string            `json:"channel"`
	Destination        string            `json:"destination"`
	Stage              string            `json:"stage"`
	Slots              map[string]string `json:"slots"`
	Metrics            metricsDTO        `json:"metrics"`
	Outbox             []outbox.Envelope `json:"outbox"`
	EmittedKeys        []string          `json:"emitted_keys"`
	LastDecision       *routing.Decision `json:"last_decision,omitempty"`
	LastOutbound       string            `json:"last_outbound,omitempty"`
	EmergencyFallbacks int               `json:"emergency_fallbacks"`
	Terminated         bool              `json:"terminated"`
	StopReason         string            `json:"stop_reason,omitempty"`
	DesyncEvents       int               `json:"desync_events"`
	TurnCount          int               `json:"turn_count"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type metricsDTO struct {
	ConsecutiveFailures int `json:"consecutive_failures"`
	ConfusionCount      int `json:"confusion_count"`
}

// Save は会話を保存（一時ファイルへ書いてから置き換える）
func (r *JSONConversationRepository) Save(ctx context.Context, state *conversation.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dto := r.toDTO(state.Record())

	data, err := json.MarshalIndent(dto, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	if err := os.MkdirAll(r.baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create conversation dir: %w", err)
	}

	filePath := r.getFilePath(state.ID())
	tmp, err := os.CreateTemp(r.baseDir, ".conv-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close conversation file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace conversation file: %w", err)
	}

	return nil
}

// Load は会話をロード
func (r *JSONConversationRepository) Load(ctx context.Context, id string) (*conversation.State, error) {
	dto, err := r.read(r.getFilePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, id)
		}
		return nil, err
	}
	return conversation.FromRecord(r.fromDTO(dto)), nil
}

// ListPending は送信待ちを持ち、終了していない会話IDを返す
func (r *JSONConversationRepository) ListPending(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read conversation dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		dto, err := r.read(filepath.Join(r.baseDir, name))
		if err != nil {
			return nil, err
		}
		if len(dto.Outbox) > 0 && !dto.Terminated {
			ids = append(ids, dto.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Exists は会話が存在するか確認
func (r *JSONConversationRepository) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(r.getFilePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete は会話を削除
func (r *JSONConversationRepository) Delete(ctx context.Context, id string) error {
	if err := os.Remove(r.getFilePath(id)); err != nil {
		if os.IsNotExist(err) {
			return nil // 既に存在しない場合はエラーとしない
		}
		return fmt.Errorf("failed to delete conversation file: %w", err)
	}
	return nil
}

func (r *JSONConversationRepository) read(path string) (*conversationDTO, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}
	var dto conversationDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", filepath.Base(path), err)
	}
	return &dto, nil
}

// getFilePath は会話IDからファイルパスを生成（"/" などはエスケープ）
func (r *JSONConversationRepository) getFilePath(id string) string {
	return filepath.Join(r.baseDir, url.PathEscape(id)+".json")
}

// toDTO はRecordをDTOに変換
func (r *JSONConversationRepository) toDTO(rec conversation.Record) *conversationDTO {
	return &conversationDTO{
		ID:          rec.ID,
		Channel:     string(rec.Channel),
		Destination: rec.Destination,
		Stage:       string(rec.Stage),
		Slots:       rec.Slots,
		Metrics: metricsDTO{
			ConsecutiveFailures: rec.Metrics.ConsecutiveFailures,
			ConfusionCount:      rec.Metrics.ConfusionCount,
		},
		Outbox:             rec.Outbox,
		EmittedKeys:        rec.EmittedKeys,
		LastDecision:       rec.LastDecision,
		LastOutbound:       rec.LastOutbound,
		EmergencyFallbacks: rec.EmergencyFallbacks,
		Terminated:         rec.Terminated,
		StopReason:         string(rec.StopReason),
		DesyncEvents:       rec.DesyncEvents,
		TurnCount:          rec.TurnCount,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

// fromDTO はDTOからRecordを生成
func (r *JSONConversationRepository) fromDTO(dto *conversationDTO) conversation.Record {
	return conversation.Record{
		ID:          dto.ID,
		Channel:     outbox.Channel(dto.Channel),
		Destination: dto.Destination,
		Stage:       routing.Route(dto.Stage),
		Slots:       dto.Slots,
		Metrics: conversation.Metrics{
			ConsecutiveFailures: dto.Metrics.ConsecutiveFailures,
			ConfusionCount:      dto.Metrics.ConfusionCount,
		},
		Outbox:             dto.Outbox,
		EmittedKeys:        dto.EmittedKeys,
		LastDecision:       dto.LastDecision,
		LastOutbound:       dto.LastOutbound,
		EmergencyFallbacks: dto.EmergencyFallbacks,
		Terminated:         dto.Terminated,
		StopReason:         conversation.StopReason(dto.StopReason),
		DesyncEvents:       dto.DesyncEvents,
		TurnCount:          dto.TurnCount,
		CreatedAt:          dto.CreatedAt,
		UpdatedAt:          dto.UpdatedAt,
	}
}
