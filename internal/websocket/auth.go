package websocket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// JoinToken computes the token a monitoring client must present to
// join: hex(HMAC-SHA256(secret, userID|role|examID)). The issuing
// service shares the secret with this process.
func JoinToken(secret, userID, role, examID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID + "|" + role + "|" + examID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyJoinToken checks a presented token in constant time.
func VerifyJoinToken(secret, userID, role, examID, token string) bool {
	expected := JoinToken(secret, userID, role, examID)
	return hmac.Equal([]byte(expected), []byte(token))
}
