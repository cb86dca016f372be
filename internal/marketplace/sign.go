package marketplace

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign returns the hex HMAC-SHA256 of base keyed with secret
func Sign(secret, base string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

// BaseString builds the string to sign. Shop-level calls append the access
// token and shop id; partner-level calls (token refresh) omit both.
func BaseString(partnerID int64, path string, timestamp int64, accessToken string, shopID int64) string {
	base := strconv.FormatInt(partnerID, 10) + path + strconv.FormatInt(timestamp, 10)
	if accessToken != "" {
		base += accessToken
	}
	if shopID > 0 {
		base += strconv.FormatInt(shopID, 10)
	}
	return base
}
