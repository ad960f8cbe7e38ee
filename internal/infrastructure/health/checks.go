package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// CheckFunc は1項目のヘルスチェック（ok, メッセージ）
type CheckFunc func() (bool, string)

// EndpointCheck はHTTPエンドポイント（LLM補強の接続先など）へ到達できるかを確認する
// パスは捨て、スキーム+ホストのルートを叩く
func EndpointCheck(baseURL string, timeout time.Duration) CheckFunc {
	client := &http.Client{Timeout: timeout}
	target := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		target = u.Scheme + "://" + u.Host + "/"
	}
	return func() (bool, string) {
		resp, err := client.Get(target)
		if err != nil {
			return false, fmt.Sprintf("unreachable: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return false, fmt.Sprintf("status %d", resp.StatusCode)
		}
		return true, "ok"
	}
}

// StorageCheck は会話ストアのディレクトリに書き込めるかを確認する
func StorageCheck(dir string) CheckFunc {
	return func() (bool, string) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Sprintf("cannot create: %v", err)
		}
		probe, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return false, fmt.Sprintf("not writable: %v", err)
		}
		name := probe.Name()
		probe.Close()
		os.Remove(name)
		return true, filepath.Clean(dir)
	}
}

// ChannelsCheck は登録済みチャネルアダプタを報告する（0件は NG）
func ChannelsCheck(channels []outbox.Channel) CheckFunc {
	return func() (bool, string) {
		if len(channels) == 0 {
			return false, "no channel adapters configured"
		}
		names := make([]string, 0, len(channels))
		for _, c := range channels {
			names = append(names, c.String())
		}
		sort.Strings(names)
		return true, strings.Join(names, ",")
	}
}

// Result は1項目の結果
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Report は /health の応答
type Report struct {
	Status string            `json:"status"` // ok | degraded
	Checks map[string]Result `json:"checks"`
}

// Checker は名前付きチェックを束ねて /health を提供する
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker は新しいCheckerを作成
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register はチェックを登録する
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run は全チェックを実行する
func (c *Checker) Run() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rep := Report{Status: "ok", Checks: make(map[string]Result, len(c.checks))}
	for name, fn := range c.checks {
		ok, msg := fn()
		rep.Checks[name] = Result{OK: ok, Message: msg}
		if !ok {
			rep.Status = "degraded"
		}
	}
	return rep
}

// ServeHTTP は結果をJSONで返す（失敗があれば 503）
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := c.Run()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}
