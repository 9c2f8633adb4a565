package secure

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// envelopePrefix marks a string as a sealed value. Anything without it is
// treated as plaintext, which lets documents written before sealing was
// introduced load unchanged.
const envelopePrefix = "companion-sec:"

const envelopeVersion = 1

// Algorithm identifies how an envelope payload was produced.
type Algorithm string

const (
	AlgorithmPlatformDPAPI Algorithm = "platform-dpapi"
	AlgorithmAESGCM        Algorithm = "aes-256-gcm"
)

// Envelope is the versioned wrapper stored in place of a sensitive value.
type Envelope struct {
	Version   int       `json:"version"`
	Algorithm Algorithm `json:"algorithm"`
	Payload   string    `json:"payload"`
	IV        string    `json:"iv,omitempty"`
	Tag       string    `json:"tag,omitempty"`
}

// IsSealed reports whether raw carries the envelope prefix. It does not
// check that the envelope decodes or decrypts.
func IsSealed(raw string) bool {
	return strings.HasPrefix(raw, envelopePrefix)
}

func encodeEnvelope(e Envelope) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return envelopePrefix + base64.StdEncoding.EncodeToString(data), nil
}

func decodeEnvelope(raw string) (Envelope, bool) {
	if !IsSealed(raw) {
		return Envelope{}, false
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, envelopePrefix))
	if err != nil {
		return Envelope{}, false
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, false
	}
	if e.Version != envelopeVersion || e.Payload == "" {
		return Envelope{}, false
	}
	switch e.Algorithm {
	case AlgorithmPlatformDPAPI, AlgorithmAESGCM:
		return e, true
	default:
		return Envelope{}, false
	}
}
