package outbox

import "sync"

// Outbox は会話状態が所有する順序付き送信キュー
// パイプラインは常にこのハンドルをその場で変更し、別のキューに差し替えない
type Outbox struct {
	mu    sync.Mutex
	items []Envelope
}

// New は空のOutboxを作成
func New() *Outbox {
	return &Outbox{items: make([]Envelope, 0)}
}

// Enqueue はテキストを正規化して末尾に追加する
func (o *Outbox) Enqueue(text string, channel Channel, meta map[string]string) (Envelope, error) {
	env, err := NewEnvelope(text, channel, meta)
	if err != nil {
		return Envelope{}, err
	}
	o.Append(env)
	return env, nil
}

// Append は作成済みのEnvelopeを末尾に追加する
func (o *Outbox) Append(envs ...Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.repair()
	o.items = append(o.items, envs...)
}

// Take は先頭から最大 max 件をFIFO順で取り出す
// 残りはキューにそのまま残る
func (o *Outbox) Take(max int) []Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.repair()

	if max <= 0 || len(o.items) == 0 {
		return nil
	}
	if max > len(o.items) {
		max = len(o.items)
	}

	batch := make([]Envelope, max)
	copy(batch, o.items[:max])
	rest := o.items[max:]
	// 同じバッキング配列を使い回さず、その場で詰め直す
	n := copy(o.items, rest)
	for i := n; i < len(o.items); i++ {
		o.items[i] = Envelope{}
	}
	o.items = o.items[:n]
	return batch
}

// Requeue は送信失敗分を順序を保ったまま先頭へ戻す
func (o *Outbox) Requeue(envs ...Envelope) {
	if len(envs) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.repair()

	merged := make([]Envelope, 0, len(envs)+len(o.items))
	merged = append(merged, envs...)
	merged = append(merged, o.items...)
	o.items = o.items[:0]
	o.items = append(o.items, merged...)
}

// Len は件数を返す
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Snapshot は読み取り専用のコピーを返す
func (o *Outbox) Snapshot() []Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Envelope, len(o.items))
	copy(out, o.items)
	for i := range out {
		out[i].Meta = cloneMeta(out[i].Meta)
	}
	return out
}

// Restore はスナップショットの内容をその場で書き戻す
func (o *Outbox) Restore(snapshot []Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = o.items[:0]
	for _, env := range snapshot {
		env.Meta = cloneMeta(env.Meta)
		o.items = append(o.items, env)
	}
}

// Keys は現在のキュー内の冪等キーを順に返す
func (o *Outbox) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, len(o.items))
	for i, env := range o.items {
		keys[i] = env.IdempotencyKey
	}
	return keys
}

// repair は壊れた（nil）内部スライスをその場で直す
func (o *Outbox) repair() {
	if o.items == nil {
		o.items = make([]Envelope, 0)
	}
}

func cloneMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
