package momo

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// params are the fields covered by a signature.
type params map[string]string

// canonical renders p as key=value pairs joined by '&', keys sorted, which is
// the raw signature string of the MoMo v2 API
// (accessKey=...&amount=...&extraData=...).
func (p params) canonical() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
	}
	return b.String()
}

// sign returns the hex HMAC-SHA256 of the canonical form of p.
func sign(secret string, p params) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(p.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify compares signature against the expected one in constant time.
func verify(secret string, p params, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(sign(secret, p))
	return hmac.Equal(got, want)
}
