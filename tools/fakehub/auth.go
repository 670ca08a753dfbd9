package main

import (
	"encoding/json"
	"strings"
	"sync"
)

// tokenStore holds the bearer tokens the hub accepts. An entry written as
// "token=identity" is only valid for that identity. An empty store accepts
// any non-blank token for any identity.
type tokenStore struct {
	lock   sync.RWMutex
	tokens map[string]string
}

func newTokenStore(csv string) *tokenStore {
	store := &tokenStore{tokens: make(map[string]string)}
	for _, entry := range strings.Split(csv, ",") {
		token, identity, _ := strings.Cut(entry, "=")
		store.add(token, identity)
	}
	return store
}

func (store *tokenStore) add(token string, identity string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	store.lock.Lock()
	store.tokens[token] = strings.TrimSpace(identity)
	store.lock.Unlock()
}

func (store *tokenStore) enabled() bool {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return len(store.tokens) > 0
}

func (store *tokenStore) authenticate(token string) bool {
	return store.authorize(token, "") != closeUnauthorized
}

// authorize returns 0 when token may stream identity, closeUnauthorized for
// an unknown token and closeForbidden for a token bound to another identity.
func (store *tokenStore) authorize(token string, identity string) int {
	if strings.TrimSpace(token) == "" {
		return closeUnauthorized
	}
	store.lock.RLock()
	defer store.lock.RUnlock()
	if len(store.tokens) == 0 {
		return 0
	}
	bound, ok := store.tokens[token]
	if !ok {
		return closeUnauthorized
	}
	if bound != "" && identity != "" && bound != identity {
		return closeForbidden
	}
	return 0
}

// bearerToken extracts the token from an "Authorization: Bearer" value.
func bearerToken(value string) (string, bool) {
	const prefix = "Bearer "
	if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(value[len(prefix):])
	return token, token != ""
}

// handshakeToken extracts the token from the first frame of a socket.
func handshakeToken(frame []byte) (string, bool) {
	var handshake struct {
		Authorization string `json:"authorization"`
	}
	if err := json.Unmarshal(frame, &handshake); err != nil {
		return "", false
	}
	return bearerToken(handshake.Authorization)
}
