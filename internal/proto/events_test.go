package proto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeTypedEvents(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  Event
	}{
		{
			name:  "chat message",
			frame: `{"event":"chat:message","data":{"id":"m1","conversationId":"a:b","senderId":"a","senderRole":"patient","receiverId":"b","receiverRole":"doctor","messageType":"text","content":"hi"}}`,
			want: ChatMessage{ID: "m1", ConversationID: "a:b", SenderID: "a", SenderRole: RolePatient,
				ReceiverID: "b", ReceiverRole: RoleDoctor, Kind: KindText, Content: "hi"},
		},
		{
			name:  "typing",
			frame: `{"event":"chat:typing","data":{"conversationId":"a:b","senderId":"a"}}`,
			want:  Typing{ConversationID: "a:b", SenderID: "a"},
		},
		{
			name:  "delivered",
			frame: `{"event":"chat:delivered","data":{"messageId":"m1"}}`,
			want:  Delivered{MessageID: "m1"},
		},
		{
			name:  "read",
			frame: `{"event":"chat:read","data":{"messageIds":["m1","m2"]}}`,
			want:  Read{MessageIDs: []string{"m1", "m2"}},
		},
		{
			name:  "incoming call defaults to video",
			frame: `{"event":"call:incoming","data":{"fromUserId":"d1","fromRole":"doctor"}}`,
			want:  IncomingCall{FromUserID: "d1", FromRole: RoleDoctor, Kind: CallVideo},
		},
		{
			name:  "offer",
			frame: `{"event":"call:offer","data":{"fromUserId":"d1","offer":{"type":"offer","sdp":"v=0"}}}`,
			want:  CallOffer{Route: Route{FromUserID: "d1"}, Offer: SessionDescription{Type: "offer", SDP: "v=0"}},
		},
		{
			name:  "end without body",
			frame: `{"event":"call:end"}`,
			want:  CallEnd{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode([]byte(tc.frame))
			require.NoError(t, err)
			require.Equal(t, tc.want, ev)
		})
	}
}

func TestDecodeCandidateKeepsIndexes(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"call:ice-candidate","data":{"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}}`))
	require.NoError(t, err)

	c, ok := ev.(CallCandidate)
	require.True(t, ok)
	require.NotNil(t, c.Candidate.SDPMid)
	require.Equal(t, "0", *c.Candidate.SDPMid)
	require.NotNil(t, c.Candidate.SDPMLineIndex)
	require.Equal(t, uint16(0), *c.Candidate.SDPMLineIndex)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, frame := range []string{
		`not json`,
		`{"data":{}}`,
		`{"event":"chat:message","data":{"content":"no ids"}}`,
		`{"event":"chat:message","data":"oops"}`,
		`{"event":"chat:read","data":{"messageIds":[]}}`,
		`{"event":"call:offer","data":{"offer":{"type":"offer","sdp":"  "}}}`,
		`{"event":"call:incoming","data":{"fromUserId":"x","callType":"hologram"}}`,
		`{"event":"chat:typing"}`,
	} {
		_, err := Decode([]byte(frame))
		require.ErrorIs(t, err, ErrMalformed, frame)
	}

	_, err := Decode([]byte(`{"event":"presence:update","data":{}}`))
	require.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestEncodeWrapsPayload(t *testing.T) {
	b, err := Encode(EvRegister, Register{UserID: "p1", Role: RolePatient})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(b, &f))
	require.Equal(t, EvRegister, f.Event)
	require.JSONEq(t, `{"userId":"p1","role":"patient"}`, string(f.Data))
}

func TestRouteFlattensIntoPayload(t *testing.T) {
	b, err := Encode(EvCallEnd, CallEnd{Route: Route{ToUserID: "d1", ToRole: RoleDoctor}})
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(b, &f))
	require.JSONEq(t, `{"toUserId":"d1","toRole":"doctor"}`, string(f.Data))
}
