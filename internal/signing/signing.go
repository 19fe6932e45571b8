// Package signing generates and verifies webhook signatures.
//
// The signature header has the form "t=<unixSeconds>,v1=<hex hmac-sha256>"
// where the MAC is computed over "<unixSeconds>.<payload>". Signatures are
// deterministic for identical inputs; there is no per-delivery nonce. A
// captured signed payload can therefore be replayed until the verification
// tolerance elapses, which is why the tolerance should stay short and
// receivers should deduplicate on the delivery ID header.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Version tags the signature scheme in the header.
	Version = "v1"

	secretPrefix = "whsec_"
	secretBytes  = 32
)

// GenerateSecret creates a new signing secret: 32 random bytes, base64
// encoded with a whsec_ prefix.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return secretPrefix + base64.StdEncoding.EncodeToString(b), nil
}

// Generate computes the signature header for a payload at the given time.
func Generate(payload []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,%s=%s", unix, Version, compute(payload, secret, unix))
}

// Verify checks a signature header against the payload and secret. It
// returns false if the header is malformed, the timestamp is older than
// tolerance, or the MAC does not match. It never panics on bad input.
func Verify(payload []byte, header, secret string, tolerance time.Duration) bool {
	ts, sig, ok := parseHeader(header)
	if !ok {
		return false
	}
	if time.Since(time.Unix(ts, 0)) > tolerance {
		return false
	}
	expected := compute(payload, secret, ts)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func compute(payload []byte, secret string, unix int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", unix)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseHeader(header string) (ts int64, sig string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, "", false
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", false
			}
			ts = n
		case Version:
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", false
	}
	return ts, sig, true
}
