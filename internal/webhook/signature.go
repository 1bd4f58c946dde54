package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Delivery signing headers. The signature covers "<timestamp>.<raw body>"
// with HMAC-SHA256 under the endpoint secret, hex encoded.
const (
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderTimestamp  = "X-Timestamp"
	HeaderSignature  = "X-Signature"
)

// VerifyWindow bounds how far a signed timestamp may drift from the
// receiver's clock before the delivery is treated as a replay.
const VerifyWindow = 5 * time.Minute

var (
	// ErrInvalidTimestamp is returned when the timestamp header is not a
	// unix-seconds integer.
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")

	// ErrTimestampOutsideWindow is returned when the signed timestamp falls
	// outside the verification window.
	ErrTimestampOutsideWindow = errors.New("signature timestamp outside allowed window")

	// ErrInvalidSignature is returned when the signature does not match the
	// payload under the shared secret.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Sign computes the hex HMAC-SHA256 signature of "<timestamp>.<body>" under
// secret. timestamp is the unix-seconds value sent in HeaderTimestamp.
func Sign(secret, timestamp string, body []byte) string {
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '.')
	msg = append(msg, body...)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery the way a well-behaved receiver would:
// timestamp parses, sits inside the replay window around now, and the
// signature matches in constant time. Tampering with either the body or
// the timestamp invalidates the signature.
func Verify(secret, timestamp, signature string, body []byte, now time.Time) error {
	tsInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	ts := time.Unix(tsInt, 0).UTC()

	now = now.UTC()
	if ts.Before(now.Add(-VerifyWindow)) || ts.After(now.Add(VerifyWindow)) {
		return ErrTimestampOutsideWindow
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)

	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
