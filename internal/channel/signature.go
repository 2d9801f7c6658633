package channel

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strings"
)

// HMACBase64 returns the base64 HMAC of data under key.
func HMACBase64(h func() hash.Hash, key string, data []byte) string {
	mac := hmac.New(h, []byte(key))
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// HMACHex returns the hex HMAC of data under key.
func HMACHex(h func() hash.Hash, key string, data []byte) string {
	mac := hmac.New(h, []byte(key))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureEqual compares two signatures in constant time.
func SignatureEqual(expected, got string) bool {
	got = strings.TrimSpace(got)
	if expected == "" || got == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}
