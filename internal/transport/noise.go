package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Conn is a net.Conn carrying Noise transport encryption. Callers write
// plaintext; each Write becomes one encrypted message on the underlying
// connection, formatted as [4B ciphertext_len][ciphertext].
type Conn struct {
	conn       net.Conn
	send       *noise.CipherState
	recv       *noise.CipherState
	readBuf    []byte
	writeMu    sync.Mutex
	peerStatic []byte // peer's X25519 static public key
}

// Client runs the initiator side of a Noise XX handshake over conn using
// the given static keypair. Set a deadline on conn beforehand to bound the
// handshake.
func Client(conn net.Conn, static noise.DHKey) (*Conn, error) {
	return handshake(conn, true, static)
}

// Server runs the responder side of a Noise XX handshake over conn.
func Server(conn net.Conn, static noise.DHKey) (*Conn, error) {
	return handshake(conn, false, static)
}

func handshake(conn net.Conn, initiator bool, static noise.DHKey) (*Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("noise handshake config: %w", err)
	}

	var send, recv *noise.CipherState
	if initiator {
		// -> e
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("noise write msg1: %w", err)
		}
		if err := writeHandshakeMsg(conn, msg); err != nil {
			return nil, err
		}

		// <- e, ee, s, es
		msg, err = readHandshakeMsg(conn)
		if err != nil {
			return nil, err
		}
		if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
			return nil, fmt.Errorf("noise read msg2: %w", err)
		}

		// -> s, se
		msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("noise write msg3: %w", err)
		}
		if err := writeHandshakeMsg(conn, msg); err != nil {
			return nil, err
		}
		send, recv = cs1, cs2
	} else {
		// <- e
		msg, err := readHandshakeMsg(conn)
		if err != nil {
			return nil, err
		}
		if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
			return nil, fmt.Errorf("noise read msg1: %w", err)
		}

		// -> e, ee, s, es
		msg, _, _, err = hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("noise write msg2: %w", err)
		}
		if err := writeHandshakeMsg(conn, msg); err != nil {
			return nil, err
		}

		// <- s, se
		msg, err = readHandshakeMsg(conn)
		if err != nil {
			return nil, err
		}
		_, cs1, cs2, err := hs.ReadMessage(nil, msg)
		if err != nil {
			return nil, fmt.Errorf("noise read msg3: %w", err)
		}
		// The initiator's first CipherState is its send direction, so the
		// responder swaps.
		send, recv = cs2, cs1
	}

	return &Conn{
		conn:       conn,
		send:       send,
		recv:       recv,
		peerStatic: hs.PeerStatic(),
	}, nil
}

// PeerStatic returns the peer's X25519 static public key established by the
// handshake.
func (c *Conn) PeerStatic() []byte {
	return c.peerStatic
}

// Write encrypts p into a single Noise transport message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ciphertext, err := c.send.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("noise encrypt: %w", err)
	}

	buf := make([]byte, 4+len(ciphertext))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(ciphertext)))
	copy(buf[4:], ciphertext)
	if _, err := c.conn.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read decrypts one Noise transport message, buffering any plaintext that
// does not fit in p for the next call.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.readBuf) > 0 {
		n := copy(p, c.readBuf)
		c.readBuf = c.readBuf[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return 0, err
	}
	msgLen := binary.BigEndian.Uint32(lenBuf[:])

	// One frame plus the Poly1305 tag bounds a legitimate message; anything
	// bigger is garbage and must not drive an allocation.
	const maxNoiseMsg = MaxPayload + HeaderSize + 16
	if msgLen > maxNoiseMsg {
		return 0, fmt.Errorf("noise message too large: %d > %d", msgLen, maxNoiseMsg)
	}

	ciphertext := make([]byte, msgLen)
	if _, err := io.ReadFull(c.conn, ciphertext); err != nil {
		return 0, err
	}
	plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return 0, fmt.Errorf("noise decrypt: %w", err)
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		c.readBuf = plaintext[n:]
	}
	return n, nil
}

func (c *Conn) Close() error                  { return c.conn.Close() }
func (c *Conn) LocalAddr() net.Addr           { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr          { return c.conn.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// SetReadDeadline applies to reads that hit the underlying connection;
// buffered plaintext from an earlier message is returned regardless.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Handshake message framing: [2B length][message].
func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > 0xFFFF {
		return fmt.Errorf("handshake message too large: %d", len(msg))
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(msg)))
	copy(buf[2:], msg)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("noise handshake write: %w", err)
	}
	return nil
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("noise handshake read len: %w", err)
	}
	msg := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("noise handshake read msg: %w", err)
	}
	return msg, nil
}
