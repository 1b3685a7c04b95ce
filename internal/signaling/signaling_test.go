package signaling

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v3"

	"streamly/internal/party"
	"streamly/internal/protocol"
	"streamly/internal/transport"
)

func testConfig() Config {
	return Config{GatherTimeout: time.Second}
}

func TestDecodeRejects(t *testing.T) {
	inputs := map[string]string{
		"empty":      "   ",
		"not b64":    "%%%",
		"not json":   base64.StdEncoding.EncodeToString([]byte("hello")),
		"bad sdp":    `{"type":"answer","sdp":"garbage"}`,
		"wrong kind": `{"type":"offer","sdp":"v=0\r\n"}`,
	}
	for name, in := range inputs {
		if _, err := Decode(in, webrtc.SDPTypeAnswer); !errors.Is(err, ErrInvalidDescription) {
			t.Errorf("%s: expected ErrInvalidDescription, got %v", name, err)
		}
	}
}

func TestOfferRoundTrip(t *testing.T) {
	o, err := NewOfferer(testConfig())
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	encoded, err := o.Offer(ctx)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	desc, err := Decode(encoded, webrtc.SDPTypeOffer)
	if err != nil {
		t.Fatalf("Decode own offer: %v", err)
	}
	if desc.SDP != o.pc.LocalDescription().SDP {
		t.Error("decoded offer should match the local description")
	}
}

// TestAcceptAnswerInvalidLeavesConnection checks that a bad answer pasted by
// a host leaves both the pending connection and the host's party role alone
func TestAcceptAnswerInvalidLeavesConnection(t *testing.T) {
	engine := party.New(party.Config{Clock: clockwork.NewFakeClock()})
	if err := engine.Start(context.Background(), party.StartOptions{Mode: party.ModeLocal, Room: "r", AsHost: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop()
	before := engine.Status()

	o, err := NewOfferer(testConfig())
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.Offer(ctx); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	if err := o.AcceptAnswer("definitely not an answer"); !errors.Is(err, ErrInvalidDescription) {
		t.Fatalf("expected ErrInvalidDescription, got %v", err)
	}
	if o.ConnectionState() == webrtc.PeerConnectionStateClosed {
		t.Error("connection must stay open after a bad answer")
	}
	if o.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		t.Errorf("signaling state should still await an answer, got %s", o.SignalingState())
	}
	if diff := cmp.Diff(before, engine.Status()); diff != "" {
		t.Errorf("party status changed (-before +after):\n%s", diff)
	}
	if st := engine.Status(); !st.IsHost || st.HostID != engine.ClientID() {
		t.Errorf("host role lost: %+v", st)
	}
}

func TestAnswerRejectsInvalidOffer(t *testing.T) {
	a, err := NewAnswerer(testConfig())
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	defer a.Close()

	if _, err := a.Answer(context.Background(), "nope"); !errors.Is(err, ErrInvalidDescription) {
		t.Fatalf("expected ErrInvalidDescription, got %v", err)
	}
}

// connectLoopback opens a data channel between two in-process peers. It
// needs a network interface that yields host candidates, so it skips the
// test when none open in time.
func connectLoopback(t *testing.T, ctx context.Context) (o *Offerer, a *Answerer, left, right *transport.Peer) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping peer connection in short mode")
	}
	o, err := NewOfferer(testConfig())
	if err != nil {
		t.Fatalf("NewOfferer: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	a, err = NewAnswerer(testConfig())
	if err != nil {
		t.Fatalf("NewAnswerer: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	offer, err := o.Offer(ctx)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	answer, err := a.Answer(ctx, offer)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := o.AcceptAnswer(answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}

	for left == nil || right == nil {
		select {
		case left = <-o.Ready():
		case right = <-a.Ready():
		case <-ctx.Done():
			t.Skip("data channel did not open; no usable ICE candidates here")
		}
	}
	return o, a, left, right
}

func TestLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _, left, right := connectLoopback(t, ctx)

	got := make(chan []byte, 1)
	right.OnMessage(func(data []byte) { got <- data })
	if err := left.Send(protocol.ReqState{Room: "", From: "left"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-got:
		msg, err := protocol.Decode(data)
		if err != nil || msg.Sender() != "left" {
			t.Errorf("unexpected frame %s (%v)", data, err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for a peer frame")
	}
}

// TestRemoteCloseReleasesConnection checks that closing a peer whose channel
// was already closed by the other side still tears down its connection
func TestRemoteCloseReleasesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, _, left, right := connectLoopback(t, ctx)

	closed := make(chan error, 1)
	left.OnClose(func(err error) { closed <- err })
	if err := right.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-closed:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("remote close was not reported")
	}

	if err := left.Close(); err != nil {
		t.Logf("Close after remote close: %v", err)
	}
	for o.ConnectionState() != webrtc.PeerConnectionStateClosed {
		select {
		case <-ctx.Done():
			t.Fatalf("peer connection still %s after Close", o.ConnectionState())
		case <-time.After(20 * time.Millisecond):
		}
	}
	if err := left.Send(protocol.ReqState{From: "left"}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after close: expected ErrClosed, got %v", err)
	}
}
