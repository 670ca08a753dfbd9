package main

import "testing"

func TestTokenStore(t *testing.T) {
	open := newTokenStore("")
	if open.enabled() {
		t.Fatalf("expected empty store to be disabled")
	}
	if !open.authenticate("anything") || open.authenticate("  ") {
		t.Fatalf("expected empty store to accept any non-blank token")
	}

	store := newTokenStore("alpha, beta,,")
	if !store.enabled() {
		t.Fatalf("expected configured store to be enabled")
	}
	if !store.authenticate("alpha") || !store.authenticate("beta") || store.authenticate("gamma") {
		t.Fatalf("unexpected authentication results")
	}
}

func TestTokenStoreBindsIdentity(t *testing.T) {
	store := newTokenStore("alpha=42, beta")
	cases := []struct {
		token    string
		identity string
		want     int
	}{
		{"alpha", "42", 0},
		{"alpha", "43", closeForbidden},
		{"alpha", "", 0},
		{"beta", "43", 0},
		{"gamma", "42", closeUnauthorized},
		{" ", "42", closeUnauthorized},
	}
	for _, c := range cases {
		if got := store.authorize(c.token, c.identity); got != c.want {
			t.Fatalf("authorize(%q, %q): expected %d, got %d", c.token, c.identity, c.want, got)
		}
	}
	if !store.authenticate("alpha") {
		t.Fatalf("expected a bound token to authenticate")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer ":      "",
		"":             "",
	}
	for value, want := range cases {
		got, ok := bearerToken(value)
		if got != want || ok != (want != "") {
			t.Fatalf("%q: expected %q, got %q ok=%v", value, want, got, ok)
		}
	}
}

func TestHandshakeToken(t *testing.T) {
	if token, ok := handshakeToken([]byte(`{"authorization":"Bearer secret"}`)); !ok || token != "secret" {
		t.Fatalf("unexpected handshake token %q ok=%v", token, ok)
	}
	if _, ok := handshakeToken([]byte(`{"type":"ping"}`)); ok {
		t.Fatalf("expected a ping not to count as a handshake")
	}
	if _, ok := handshakeToken([]byte(`nope`)); ok {
		t.Fatalf("expected garbage not to count as a handshake")
	}
}
