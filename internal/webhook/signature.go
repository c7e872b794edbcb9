// Package webhook implements the Webhook Endpoint (C8): inbound signature
// verification, event dispatch, idempotent result persistence, and the
// health/metrics surface (§4.8, §6.2).
//
// Go Pattern: the teacher's webhook.Service signs OUTBOUND deliveries with
// HMAC-SHA256; this package verifies INBOUND ones with the same primitives
// run in the opposite direction (hmac.Equal for constant-time comparison
// instead of SignPayload's hex.EncodeToString for sending).
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// secretFunc resolves the per-pipeline HMAC secret for a given job id, so
// the verifier never needs its own notion of "which pipeline is this".
type secretFunc func(jobID string) (string, error)

// VerifySignature implements §4.8: "Compute HMAC-SHA256(secret, "v0:" ‖
// timestamp ‖ ":" ‖ raw_body); compare to X-Signature using constant-time
// comparison."
func VerifySignature(secret, timestamp string, rawBody []byte, signature string) error {
	expected, err := computeSignature(secret, timestamp, rawBody)
	if err != nil {
		return err
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature is not valid hex")
	}
	if !hmac.Equal(expected, given) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func computeSignature(secret, timestamp string, rawBody []byte) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty signing secret")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:"))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write(rawBody)
	return mac.Sum(nil), nil
}
