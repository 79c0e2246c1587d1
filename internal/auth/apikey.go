package auth

import (
	"crypto/subtle"
	"net/http"
)

// HeaderAPIKey is the request header carrying the shared secret.
const HeaderAPIKey = "x-api-key"

type Outcome int

const (
	// Disabled means no key is configured and every request passes.
	Disabled Outcome = iota
	Valid
	Missing
	Invalid
)

func (o Outcome) Allowed() bool {
	return o == Disabled || o == Valid
}

// CheckAPIKey compares the presented key with the configured one in constant time.
func CheckAPIKey(presented, configured string) Outcome {
	if configured == "" {
		return Disabled
	}
	if presented == "" {
		return Missing
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
		return Invalid
	}
	return Valid
}

// CheckRequest reads the key from r's x-api-key header.
func CheckRequest(r *http.Request, configured string) (Outcome, string) {
	presented := r.Header.Get(HeaderAPIKey)
	return CheckAPIKey(presented, configured), presented
}
