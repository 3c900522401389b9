// Package token implements the fabric's signed opaque credential: a
// custom two-segment envelope (not JWT — see DESIGN.md) carrying a type
// tag, an optional issuer id, and an optional expiry, verified with an
// HMAC-SHA256 signature the same way the reference repo's auth package
// signs agent API keys, just reshaped to this wire format.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/quty-io/fabric/internal/ferrors"
)

// Type is the reserved "_t" discriminator.
type Type int

const (
	// ClusterPeer authenticates node-to-node gossip connections.
	ClusterPeer Type = 1
	// Publisher authenticates send-only clients of the cluster port.
	Publisher Type = 2
)

const version = 1

// CreateOptions configures Create.
type CreateOptions struct {
	// Secret signs the token. An empty secret produces an unsigned token
	// (no trailing "-<sig>" component is verified, but callers are still
	// expected to pass a secret in production; this mirrors spec.md
	// §4.3's "signature omitted if no secret").
	Secret string
	Type   Type
	// Id is the reserved "_i" issuer/session identifier. Optional.
	Id string
	// Expire is an absolute expiry. If zero and TTL is non-zero, Expire
	// is computed as time.Now().Add(TTL).
	Expire time.Time
	TTL    time.Duration
}

// VerifyOptions configures Verify. Both fields are optional filters.
type VerifyOptions struct {
	Type   *Type
	Secret string
}

// Create builds a signed token carrying data plus the reserved fields
// _v, _t, _e, _i.
func Create(data map[string]any, opts CreateOptions) (string, error) {
	payload := make(map[string]any, len(data)+4)
	for k, v := range data {
		payload[k] = v
	}
	payload["_v"] = version
	payload["_t"] = int(opts.Type)
	if opts.Id != "" {
		payload["_i"] = opts.Id
	}

	expire := opts.Expire
	if expire.IsZero() && opts.TTL > 0 {
		expire = time.Now().Add(opts.TTL)
	}
	if !expire.IsZero() {
		payload["_e"] = expire.UnixMilli()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", ferrors.Wrap(ferrors.Malformed, "marshal token payload", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)

	if opts.Secret == "" {
		return encoded + "-", nil
	}

	sig := sign(encoded, opts.Secret)
	return encoded + "-" + sig, nil
}

func sign(encodedPayload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encodedPayload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Claims is the result of a successful Verify: the reserved fields
// extracted into typed form, plus Data holding everything else.
type Claims struct {
	Type   Type
	Issuer string
	Data   map[string]any
}

// Verify decodes and validates token, returning its claims with reserved
// fields stripped out of Data. It rejects on version mismatch, expiry in
// the past, a type mismatch against opts.Type, a signature mismatch
// against opts.Secret, or any structural parse failure.
func Verify(tok string, opts VerifyOptions) (Claims, error) {
	idx := -1
	for i := len(tok) - 1; i >= 0; i-- {
		if tok[i] == '-' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Claims{}, ferrors.New(ferrors.AuthFail, "malformed token")
	}
	encoded, sig := tok[:idx], tok[idx+1:]

	if opts.Secret != "" {
		want := sign(encoded, opts.Secret)
		if !hmac.Equal([]byte(want), []byte(sig)) {
			return Claims{}, ferrors.New(ferrors.AuthFail, "signature mismatch")
		}
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ferrors.Wrap(ferrors.AuthFail, "decode token payload", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Claims{}, ferrors.Wrap(ferrors.AuthFail, "parse token payload", err)
	}

	v, _ := payload["_v"].(float64)
	if int(v) != version {
		return Claims{}, ferrors.New(ferrors.AuthFail, "version mismatch")
	}

	if e, ok := payload["_e"]; ok {
		expMs, _ := e.(float64)
		if time.Now().UnixMilli() > int64(expMs) {
			return Claims{}, ferrors.New(ferrors.AuthFail, "token expired")
		}
	}

	tagFloat, _ := payload["_t"].(float64)
	tag := Type(int(tagFloat))
	if opts.Type != nil && tag != *opts.Type {
		return Claims{}, ferrors.New(ferrors.AuthFail, "type mismatch")
	}

	issuer, _ := payload["_i"].(string)

	delete(payload, "_v")
	delete(payload, "_t")
	delete(payload, "_e")
	delete(payload, "_i")
	return Claims{Type: tag, Issuer: issuer, Data: payload}, nil
}
