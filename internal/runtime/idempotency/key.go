package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
)

const (
	operationKeyDomain = "sagaflow/idempotency/v1"
	stepKeyDomain      = "sagaflow/saga-step/v1"
)

// DeriveKey computes a deterministic idempotency key from the request
// identity. Parameters are canonicalised first: object keys sorted, strings
// NFC-normalised, structs reduced to their JSON form. Equal inputs always
// produce equal keys, regardless of map iteration order.
func DeriveKey(tenantID, userID, operationType string, params any) (string, error) {
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize parameters: %w", err)
	}
	sum := hashWithDomain(operationKeyDomain, canonical, tenantID, userID, operationType)
	return operationType + ":" + sum, nil
}

// StepKey is the idempotency key of one saga step invocation. phase is
// "forward" or "compensate".
func StepKey(sagaID, stepID, phase string, attempt int) string {
	sum := hashWithDomain(stepKeyDomain, nil, sagaID, stepID, phase, strconv.Itoa(attempt))
	return "step:" + sum
}

// hashWithDomain hashes parts separated by NUL bytes so ("ab","c") and
// ("a","bc") never collide.
func hashWithDomain(domain string, payload []byte, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, part := range parts {
		h.Write([]byte(norm.NFC.String(part)))
		h.Write([]byte{0x00})
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(params any) ([]byte, error) {
	if params == nil {
		return []byte("null"), nil
	}
	raw, err := jsoncodec.Marshal(params)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := jsoncodec.UnmarshalNumbers(raw, &generic); err != nil {
		return nil, err
	}
	return jsoncodec.MarshalCanonical(normalize(generic))
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
