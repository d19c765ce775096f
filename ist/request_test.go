package ist

import "testing"

func TestRequestRoundTrip(t *testing.T) {
	u, err := ParseUUID("0102030405060708090a0b0c0d0e0f10")
	if err != nil {
		t.Fatal(err)
	}
	req := Request{StateUUID: u, LastApplied: 100, GroupSeqno: 105, Peer: "10.0.0.5:4568"}

	s := req.String()
	got, err := ParseRequest(s)
	if err != nil {
		t.Fatalf("ParseRequest(%q): %v", s, err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, req)
	}
}

func TestRequestPeerAddressWithColons(t *testing.T) {
	u, _ := ParseUUID("0102030405060708090a0b0c0d0e0f10")
	raw := u.String() + ":1:2:[::1]:4568"

	got, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if got.Peer != "[::1]:4568" {
		t.Fatalf("peer mismatch: got %q", got.Peer)
	}
	if got.LastApplied != 1 || got.GroupSeqno != 2 {
		t.Fatalf("seqno mismatch: %+v", got)
	}
}

func TestParseRequestRejectsTooFewFields(t *testing.T) {
	if _, err := ParseRequest("only:two"); err == nil {
		t.Fatal("expected error for too few fields")
	}
}

func TestUUIDStringRoundTrip(t *testing.T) {
	var u UUID
	for i := range u {
		u[i] = byte(i)
	}
	s := u.String()
	got, err := ParseUUID(s)
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Fatalf("uuid round trip mismatch: got %v want %v", got, u)
	}
}
