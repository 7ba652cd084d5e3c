package transport

import (
	"bytes"
	"net"
	"testing"

	"github.com/flynn/noise"
)

func makeNoiseKeypair(t *testing.T) noise.DHKey {
	t.Helper()
	kp, err := noise.DH25519.GenerateKeypair(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func doHandshake(t *testing.T, clientKey, serverKey noise.DHKey) (*Conn, *Conn) {
	t.Helper()
	connA, connB := net.Pipe()
	t.Cleanup(func() {
		_ = connA.Close()
		_ = connB.Close()
	})

	var server *Conn
	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		server, serverErr = Server(connB, serverKey)
	}()

	client, clientErr := Client(connA, clientKey)
	<-done

	if clientErr != nil || serverErr != nil {
		t.Fatalf("handshake: client=%v server=%v", clientErr, serverErr)
	}
	return client, server
}

func TestHandshakePeerStatic(t *testing.T) {
	clientKey := makeNoiseKeypair(t)
	serverKey := makeNoiseKeypair(t)
	client, server := doHandshake(t, clientKey, serverKey)

	if !bytes.Equal(client.PeerStatic(), serverKey.Public) {
		t.Error("client PeerStatic does not match server public key")
	}
	if !bytes.Equal(server.PeerStatic(), clientKey.Public) {
		t.Error("server PeerStatic does not match client public key")
	}
}

func TestConnReadWrite(t *testing.T) {
	client, server := doHandshake(t, makeNoiseKeypair(t), makeNoiseKeypair(t))

	msg := []byte("hello noise")
	go func() {
		if _, err := client.Write(msg); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	buf := make([]byte, 100)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("got %q, want %q", buf[:n], msg)
	}
}

func TestConnPartialRead(t *testing.T) {
	client, server := doHandshake(t, makeNoiseKeypair(t), makeNoiseKeypair(t))

	msg := []byte("a longer message that will not fit in one small read")
	go func() {
		if _, err := client.Write(msg); err != nil {
			t.Errorf("write: %v", err)
		}
	}()

	// Small reads exercise the buffered plaintext path.
	var result []byte
	buf := make([]byte, 10)
	for len(result) < len(msg) {
		n, err := server.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		result = append(result, buf[:n]...)
	}
	if !bytes.Equal(result, msg) {
		t.Errorf("got %q, want %q", result, msg)
	}
}

func TestFramesOverConn(t *testing.T) {
	client, server := doHandshake(t, makeNoiseKeypair(t), makeNoiseKeypair(t))

	payloads := [][]byte{
		[]byte("first frame"),
		[]byte(""),
		bytes.Repeat([]byte("x"), 4096),
	}

	go func() {
		for _, p := range payloads {
			if err := WriteFrame(client, p); err != nil {
				t.Errorf("WriteFrame: %v", err)
				return
			}
		}
	}()

	for i, want := range payloads {
		got, err := ReadFrame(server)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestConnBidirectional(t *testing.T) {
	client, server := doHandshake(t, makeNoiseKeypair(t), makeNoiseKeypair(t))

	// Request/response alternation in both directions, as the protocol
	// uses it.
	go func() {
		req, err := ReadFrame(server)
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if err := WriteFrame(server, append([]byte("echo:"), req...)); err != nil {
			t.Errorf("server write: %v", err)
		}
	}()

	if err := WriteFrame(client, []byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	resp, err := ReadFrame(client)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(resp) != "echo:ping" {
		t.Fatalf("response = %q, want %q", resp, "echo:ping")
	}
}

func TestConnClose(t *testing.T) {
	client, server := doHandshake(t, makeNoiseKeypair(t), makeNoiseKeypair(t))
	if err := client.Close(); err != nil {
		t.Errorf("close client: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("close server: %v", err)
	}
}
