package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey indicates that the Authorization header was not provided.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidPrefix indicates the header did not use the required Key prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrUnknownKey indicates the key is not one of the configured keys.
	ErrUnknownKey = errors.New("unknown API key")
)

// QueryParam carries the key for clients that cannot set headers, such as
// browser EventSource and WebSocket connections.
const QueryParam = "api_key"

// ExtractKey parses the "Authorization: Key <token>" header, falling back to
// the api_key query parameter when the header is absent.
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := strings.TrimSpace(r.URL.Query().Get(QueryParam)); token != "" {
			return token, nil
		}
		return "", ErrMissingKey
	}

	if !strings.HasPrefix(header, "Key ") {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimPrefix(header, "Key ")
	if token == "" {
		return "", ErrMissingKey
	}

	return token, nil
}

// Keys is the set of accepted API keys. An empty set disables checking.
type Keys []string

// Check validates the request's key against the set.
func (k Keys) Check(r *http.Request) error {
	if len(k) == 0 {
		return nil
	}
	token, err := ExtractKey(r)
	if err != nil {
		return err
	}
	for _, key := range k {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrUnknownKey
}

// Middleware rejects requests without a valid key with 401.
func Middleware(keys []string) func(http.Handler) http.Handler {
	set := Keys(keys)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := set.Check(r); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Key realm="orchestrator"`)
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
