package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// sign は X-Line-Signature と同じ形式（HMAC-SHA256 の Base64）で署名を計算する
func sign(body []byte, channelSecret string) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifySignature は webhook 本文の署名を定数時間で比較する
func verifySignature(body []byte, signature, channelSecret string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(sign(body, channelSecret)), []byte(signature))
}
