package client

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	gossh "golang.org/x/crypto/ssh"

	ncrypto "github.com/nitinics/openr/internal/crypto"
	"github.com/nitinics/openr/internal/transport"
	"github.com/nitinics/openr/pkg/wire"
)

// ErrNotFound reports a load or erase of a key the store does not hold.
var ErrNotFound = errors.New("key not found")

const defaultTimeout = 10 * time.Second

// Option configures a Client before it dials.
type Option func(*Client)

// WithTimeout sets the dial and per-operation deadline. Default 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithEncryption enables the Noise handshake, authenticating the client
// with the given ed25519 private key.
func WithEncryption(key ed25519.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// WithServerKey pins the server to an expected public key, given as an
// OpenSSH public key line ("ssh-ed25519 AAAA... comment"). Requires
// WithEncryption.
func WithServerKey(line string) Option {
	return func(c *Client) { c.serverKey = line }
}

// Client is a connection to a configstored instance. It serializes
// requests internally, so a Client may be shared across goroutines.
type Client struct {
	conn      net.Conn
	timeout   time.Duration
	key       ed25519.PrivateKey
	serverKey string

	mu sync.Mutex // one request in flight at a time
}

// Dial connects to a configstored instance at addr.
func Dial(addr string, opts ...Option) (*Client, error) {
	c := &Client{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(c)
	}

	var pinned []byte
	if c.serverKey != "" {
		if c.key == nil {
			return nil, fmt.Errorf("server key pinning requires encryption")
		}
		var err error
		pinned, err = parseServerKey(c.serverKey)
		if err != nil {
			return nil, fmt.Errorf("parsing server key: %w", err)
		}
	}

	tcp, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return nil, err
	}

	if c.key == nil {
		c.conn = tcp
		return c, nil
	}

	static, err := ncrypto.NoiseKeypairFromKey(c.key)
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("deriving noise key: %w", err)
	}
	_ = tcp.SetDeadline(time.Now().Add(c.timeout))
	conn, err := transport.Client(tcp, static)
	if err != nil {
		_ = tcp.Close()
		return nil, fmt.Errorf("noise handshake: %w", err)
	}
	_ = tcp.SetDeadline(time.Time{})

	if pinned != nil && !bytes.Equal(conn.PeerStatic(), pinned) {
		_ = conn.Close()
		return nil, fmt.Errorf("server key mismatch")
	}
	c.conn = conn
	return c, nil
}

// Close tears down the connection. The client is unusable afterwards.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Store persists value under key, overwriting any previous value.
func (c *Client) Store(key string, value []byte) error {
	resp, err := c.do(wire.Request{Op: wire.OpStore, Key: key, Value: value})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("store %q rejected", key)
	}
	return nil
}

// Load returns the value stored under key, or ErrNotFound.
func (c *Client) Load(key string) ([]byte, error) {
	resp, err := c.do(wire.Request{Op: wire.OpLoad, Key: key})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, ErrNotFound
	}
	return resp.Value, nil
}

// Erase removes key. ErrNotFound when the store did not hold it.
func (c *Client) Erase(key string) error {
	resp, err := c.do(wire.Request{Op: wire.OpErase, Key: key})
	if err != nil {
		return err
	}
	if !resp.Success {
		return ErrNotFound
	}
	return nil
}

func (c *Client) do(req wire.Request) (wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	if err := transport.WriteFrame(c.conn, wire.MarshalRequest(req)); err != nil {
		return wire.Response{}, fmt.Errorf("sending request: %w", err)
	}
	payload, err := transport.ReadFrame(c.conn)
	if err != nil {
		return wire.Response{}, fmt.Errorf("reading response: %w", err)
	}
	resp, err := wire.UnmarshalResponse(payload)
	if err != nil {
		return wire.Response{}, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Key != req.Key {
		return wire.Response{}, fmt.Errorf("response for key %q, requested %q", resp.Key, req.Key)
	}
	return resp, nil
}

// parseServerKey turns an OpenSSH ed25519 public key line into the X25519
// form the Noise handshake exposes as the peer static.
func parseServerKey(line string) ([]byte, error) {
	key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, err
	}
	ck, ok := key.(gossh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %s", key.Type())
	}
	edPub, ok := ck.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s is not ed25519", key.Type())
	}
	return ncrypto.EdPublicToX25519(edPub)
}
