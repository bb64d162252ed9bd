// Package protocol defines the signaling wire schema shared by the server
// relay and the client. Everything travels as a single flat JSON envelope
// discriminated by "type"; unused fields are omitted.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	// Client to server.
	TypeRegister   MessageType = "register"
	TypeCreateRoom MessageType = "create-room"
	TypeJoinRoom   MessageType = "join-room"
	TypeLeaveRoom  MessageType = "leave-room"
	TypeCallUser   MessageType = "call-user"
	TypeAcceptCall MessageType = "accept-call"
	TypeRejectCall MessageType = "reject-call"
	TypeEndCall    MessageType = "end-call"
	TypePing       MessageType = "ping"

	// Relayed between peers (stamped with From by the server).
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"

	// Server to client.
	TypeRegistered   MessageType = "registered"
	TypeRoomCreated  MessageType = "room-created"
	TypeRoomJoined   MessageType = "room-joined"
	TypeRoomNotFound MessageType = "room-not-found"
	TypeIncomingCall MessageType = "incoming-call"
	TypeCallAccepted MessageType = "call-accepted"
	TypeCallRejected MessageType = "call-rejected"
	TypeCallEnded    MessageType = "call-ended"
	TypeUserJoined   MessageType = "user-joined"
	TypeUserLeft     MessageType = "user-left"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"
)

// Reject reasons carried on call-rejected.
const (
	ReasonBusy     = "busy"
	ReasonRejected = "rejected"
)

// UserInfo is the roster entry shape used by registered / room-joined /
// user-joined messages.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Candidate mirrors the ICE candidate JSON shape of the browser clients.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

type Envelope struct {
	Type MessageType `json:"type"`

	// Routing. Target is a peer id or a room id; From is stamped by the
	// server when relaying.
	From     string `json:"from,omitempty"`
	FromName string `json:"fromName,omitempty"`
	Target   string `json:"target,omitempty"`

	Name   string     `json:"name,omitempty"`
	ID     string     `json:"id,omitempty"`
	RoomID string     `json:"roomId,omitempty"`
	Users  []UserInfo `json:"users,omitempty"`

	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Parse decodes and validates one inbound envelope. The relay drops or
// bounces whatever fails here; it never terminates the connection over a
// malformed message.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the fields a given type cannot do without.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeRegister, TypeCreateRoom, TypePing:
		return nil
	case TypeJoinRoom, TypeLeaveRoom:
		if e.RoomID == "" {
			return fmt.Errorf("%s: missing roomId", e.Type)
		}
	case TypeCallUser, TypeAcceptCall, TypeRejectCall, TypeEndCall:
		if e.Target == "" {
			return fmt.Errorf("%s: missing target", e.Type)
		}
	case TypeOffer, TypeAnswer:
		if e.Target == "" {
			return fmt.Errorf("%s: missing target", e.Type)
		}
		if e.SDP == "" {
			return fmt.Errorf("%s: missing sdp", e.Type)
		}
	case TypeICECandidate:
		if e.Target == "" {
			return fmt.Errorf("%s: missing target", e.Type)
		}
		if e.Candidate == nil {
			return fmt.Errorf("%s: missing candidate", e.Type)
		}
	case TypeRegistered, TypeRoomCreated, TypeRoomJoined, TypeRoomNotFound,
		TypeIncomingCall, TypeCallAccepted, TypeCallRejected, TypeCallEnded,
		TypeUserJoined, TypeUserLeft, TypePong, TypeError:
		return nil
	case "":
		return fmt.Errorf("missing type")
	default:
		return fmt.Errorf("unknown type %q", e.Type)
	}
	return nil
}

// SessionDescription converts the envelope's SDP into the pion shape.
// Only offers and answers carry SDP.
func (e Envelope) SessionDescription() (webrtc.SessionDescription, error) {
	switch e.Type {
	case TypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: e.SDP}, nil
	case TypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: e.SDP}, nil
	}
	return webrtc.SessionDescription{}, fmt.Errorf("%s carries no sdp", e.Type)
}
