package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
)

const unlockTokenLen = 8

// DefaultUnlockToken derives the unlock token of this installation from the
// server name, the host name and the user's home directory. The result is
// stable across restarts and differs between installations.
func DefaultUnlockToken(serverName string) string {
	host, _ := os.Hostname()
	home, _ := os.UserHomeDir()

	mac := hmac.New(sha256.New, []byte(serverName))
	mac.Write([]byte(host))
	mac.Write([]byte{0})
	mac.Write([]byte(home))
	return hex.EncodeToString(mac.Sum(nil))[:unlockTokenLen]
}

func validUnlockToken(expected string, input map[string]any) bool {
	got, ok := input[inputUnlockToken].(string)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
