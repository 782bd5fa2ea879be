package core

import "testing"

func TestFanoutCount(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{4, 2},
		{9, 3},
		{10, 4},
		{100, 10},
	}
	for _, c := range cases {
		if got := FanoutCount(c.n); got != c.want {
			t.Errorf("FanoutCount(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestIsReservedAddress(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"203.0.113.5", false},
		{"not-an-ip", false},
	}
	for _, c := range cases {
		if got := isReservedAddress(c.host); got != c.want {
			t.Errorf("isReservedAddress(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	n, err := NewNode(NetworkConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, kp)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNodeHandshakeCookieRoundTrip(t *testing.T) {
	issuer := newTestNode(t)
	responder := newTestNode(t)

	cookie, err := issuer.IssueCookie("peer-a")
	if err != nil {
		t.Fatalf("IssueCookie: %v", err)
	}

	resp, err := responder.SignCookie(cookie)
	if err != nil {
		t.Fatalf("SignCookie: %v", err)
	}

	if !issuer.VerifyHandshakeResponse("peer-a", resp) {
		t.Fatalf("VerifyHandshakeResponse should accept a correctly signed response to its own cookie")
	}
	// Cookies are single-use: replaying the same response must now fail.
	if issuer.VerifyHandshakeResponse("peer-a", resp) {
		t.Fatalf("VerifyHandshakeResponse should reject a replayed cookie")
	}
}

func TestNodeVerifyHandshakeResponseRejectsWrongSigner(t *testing.T) {
	issuer := newTestNode(t)
	responder := newTestNode(t)
	impostor := newTestNode(t)

	cookie, err := issuer.IssueCookie("peer-b")
	if err != nil {
		t.Fatalf("IssueCookie: %v", err)
	}
	resp, err := responder.SignCookie(cookie)
	if err != nil {
		t.Fatalf("SignCookie: %v", err)
	}
	// Swap in the impostor's node ID without re-signing: the signature no
	// longer matches the claimed signer.
	resp.NodeID = impostor.nodeKey.Public

	if issuer.VerifyHandshakeResponse("peer-b", resp) {
		t.Fatalf("VerifyHandshakeResponse should reject a response whose claimed signer did not produce the signature")
	}
}

func TestNodeChannelsEmptyByDefault(t *testing.T) {
	n := newTestNode(t)
	if got := n.Channels(); len(got) != 0 {
		t.Fatalf("Channels() on a freshly created node = %v, want empty", got)
	}
}
