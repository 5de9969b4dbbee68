package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signature computes the HMAC-SHA256 signature over "<timestamp>.<payload>"
// keyed on the subscription secret's raw UUID bytes, and returns the three
// header values to attach to the outbound request.
//
// sign is a pure function: equal inputs produce equal outputs, and changing
// any of {secret, timestamp, payload} in isolation changes the signature.
func Signature(secret string, eventID string, timestamp time.Time, payload []byte) (id, ts, sig string, err error) {
	key, err := secretKey(secret)
	if err != nil {
		return "", "", "", err
	}
	unix := timestamp.Unix()
	b64 := sign(key, unix, payload)
	return eventID, strconv.FormatInt(unix, 10), "v1," + b64, nil
}

func sign(key []byte, unixSeconds int64, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(fmt.Sprintf("%d.%s", unixSeconds, payload)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func secretKey(secret string) ([]byte, error) {
	u, err := uuid.Parse(secret)
	if err != nil {
		return nil, fmt.Errorf("delivery: invalid subscription secret: %w", err)
	}
	b := u[:]
	return b, nil
}

// VerifySignature checks a `webhook-signature` header value (possibly
// several space-separated `v1,<sig>` entries, to support secret rotation)
// against the expected signature for (secret, timestamp, payload).
func VerifySignature(secret string, unixSeconds int64, payload []byte, header string) bool {
	key, err := secretKey(secret)
	if err != nil {
		return false
	}
	expected := "v1," + sign(key, unixSeconds, payload)
	for _, candidate := range strings.Fields(header) {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return true
		}
	}
	return false
}
