package protocol

import (
	"testing"
)

func TestParse_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"missing type", `{}`},
		{"unknown type", `{"type":"warp"}`},
		{"offer without sdp", `{"type":"offer","target":"p1"}`},
		{"offer without target", `{"type":"offer","sdp":"v=0"}`},
		{"candidate without payload", `{"type":"ice-candidate","target":"p1"}`},
		{"join without room", `{"type":"join-room"}`},
		{"call without target", `{"type":"call-user"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); err == nil {
				t.Fatalf("expected error for %s", tc.data)
			}
		})
	}
}

func TestParse_AcceptsMinimalMessages(t *testing.T) {
	cases := []string{
		`{"type":"register","name":"alice"}`,
		`{"type":"create-room"}`,
		`{"type":"join-room","roomId":"x7k2p9"}`,
		`{"type":"call-user","target":"b1"}`,
		`{"type":"offer","target":"b1","sdp":"v=0"}`,
		`{"type":"ice-candidate","target":"b1","candidate":{"candidate":"candidate:1"}}`,
		`{"type":"ping"}`,
	}
	for _, data := range cases {
		if _, err := Parse([]byte(data)); err != nil {
			t.Fatalf("Parse(%s): %v", data, err)
		}
	}
}

func TestCandidate_PionRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	c := Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", SDPMid: &mid, SDPMLineIndex: &idx}

	init := c.ToPion()
	back := CandidateFromPion(init)
	if back.Candidate != c.Candidate || *back.SDPMid != mid || *back.SDPMLineIndex != idx {
		t.Fatalf("conversion mangled candidate: %+v", back)
	}
}

func TestSessionDescription_OnlyOfferAnswer(t *testing.T) {
	if _, err := (Envelope{Type: TypeOffer, SDP: "v=0"}).SessionDescription(); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := (Envelope{Type: TypePing}).SessionDescription(); err == nil {
		t.Fatal("ping should carry no sdp")
	}
}
