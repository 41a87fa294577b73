package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func newPipeConnection(t *testing.T, queueSize int) (*PeerConnection, net.Conn) {
	t.Helper()

	localConn, remoteConn := net.Pipe()
	pc := newPeerConnection(localConn, ConnectionOptions{
		LocalPeerID:       "local",
		PeerID:            "peer",
		PeerName:          "Peer",
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
		FrameReadTimeout:  250 * time.Millisecond,
		SendQueueSize:     queueSize,
		AutoRespondPing:   true,
	})
	t.Cleanup(func() {
		_ = pc.Close()
		_ = remoteConn.Close()
	})
	return pc, remoteConn
}

func TestEnqueueWritesFrame(t *testing.T) {
	pc, remoteConn := newPipeConnection(t, 4)

	payload := []byte(`{"type":"block","message":null}`)
	if err := pc.Enqueue(payload); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := ReadFrameWithTimeout(remoteConn, 2*time.Second)
	if err != nil {
		t.Fatalf("read enqueued frame: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	pc, _ := newPipeConnection(t, 1)

	// Nobody reads the pipe, so the writer blocks on the first frame and the
	// queue fills behind it.
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = pc.Enqueue([]byte(`{"type":"block"}`))
	}
	if !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected ErrSendQueueFull, got %v", err)
	}
}

func TestPingIsAnsweredAndNotDelivered(t *testing.T) {
	pc, remoteConn := newPipeConnection(t, 4)

	ping, err := EncodeJSON(PingMessage{Type: TypePing, FromPeerID: "peer", Timestamp: 1})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if err := WriteFrame(remoteConn, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	reply, err := ReadFrameWithTimeout(remoteConn, 2*time.Second)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if msgType, _ := DecodeMessageType(reply); msgType != TypePong {
		t.Fatalf("expected pong, got %q", msgType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := pc.ReceiveMessage(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ping should not be delivered, got %v", err)
	}
}

func TestDisconnectFrameClosesConnection(t *testing.T) {
	pc, remoteConn := newPipeConnection(t, 4)

	frame, err := EncodeJSON(Disconnect{Type: TypeDisconnect, FromPeerID: "peer"})
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if err := WriteFrame(remoteConn, frame); err != nil {
		t.Fatalf("write disconnect: %v", err)
	}

	select {
	case <-pc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected connection to close after disconnect frame")
	}
	if pc.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", pc.State())
	}
	if err := pc.Enqueue([]byte(`{}`)); err == nil {
		t.Fatalf("expected Enqueue on closed connection to fail")
	}
}
