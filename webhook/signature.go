package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/revoagent/fabric/core"
)

// verifySignature implements spec §4.6: compute the HMAC of the
// canonical JSON (no whitespace) of the payload under the configured
// algorithm and compare with constant-time equality. A config with no
// secret performs no verification.
func verifySignature(cfg *Config, payload []byte, signature string) error {
	if cfg.Secret == "" {
		return nil
	}
	canonical, err := canonicalize(payload)
	if err != nil {
		return core.NewFrameworkError("webhook.verifySignature", "webhook", core.ErrInvalidSignature)
	}

	var mac []byte
	switch cfg.Algorithm {
	case SignatureHMACSHA1:
		h := hmac.New(sha1.New, []byte(cfg.Secret))
		h.Write(canonical)
		mac = h.Sum(nil)
	default: // HMAC_SHA256 is the default algorithm.
		h := hmac.New(sha256.New, []byte(cfg.Secret))
		h.Write(canonical)
		mac = h.Sum(nil)
	}

	expected := hex.EncodeToString(mac)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return core.NewFrameworkError("webhook.verifySignature", "webhook", core.ErrInvalidSignature)
	}
	return nil
}

// canonicalize re-marshals payload through encoding/json so map key
// order is deterministic and no incidental whitespace survives,
// matching spec §4.6's "canonical JSON (separators with no whitespace)".
func canonicalize(payload []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; trim it so the
	// digest doesn't depend on encoder-internal formatting.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
