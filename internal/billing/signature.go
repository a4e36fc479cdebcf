package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature header format: "t=<unix>,v1=<hex>", where the hex value is the
// HMAC-SHA256 of "<t>.<raw body>" under the shared webhook secret.
const signatureTolerance = 5 * time.Minute

// VerifySignature checks the provider's webhook signature header against
// the raw request body. Timestamps outside the tolerance window are
// rejected to blunt replay of captured deliveries.
func VerifySignature(secret string, body []byte, header string, now time.Time) bool {
	var ts int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			ts = parsed
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return false
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return false
	}

	expected := ComputeSignature(secret, ts, body)
	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return true
		}
	}
	return false
}

// ComputeSignature produces the hex signature for a timestamp and body.
func ComputeSignature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
