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

// maxSealed bounds one encrypted message: a full frame plus the Poly1305 tag.
const maxSealed = MaxPayload + HeaderSize + 16

// secureConn carries plaintext frames over a Noise session. On the wire
// each Write becomes [4B ciphertext length][ciphertext].
type secureConn struct {
	conn    net.Conn
	send    *noise.CipherState
	recv    *noise.CipherState
	readBuf []byte
	writeMu sync.Mutex
	peerKey []byte // remote X25519 static key
}

// handshake runs Noise XX over conn with static as the local key. The
// whole exchange must finish before deadline.
func handshake(conn net.Conn, initiator bool, static noise.DHKey, deadline time.Time) (*secureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("noise handshake config: %w", err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	// XX: -> e, <- e ee s es, -> s se. The initiator writes on even steps.
	var cs1, cs2 *noise.CipherState
	for step := 0; step < 3; step++ {
		if (step%2 == 0) == initiator {
			var msg []byte
			msg, cs1, cs2, err = hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, fmt.Errorf("noise write msg%d: %w", step+1, err)
			}
			if err := writeHandshakeMsg(conn, msg); err != nil {
				return nil, err
			}
			continue
		}
		msg, err := readHandshakeMsg(conn)
		if err != nil {
			return nil, err
		}
		if _, cs1, cs2, err = hs.ReadMessage(nil, msg); err != nil {
			return nil, fmt.Errorf("noise read msg%d: %w", step+1, err)
		}
	}

	sc := &secureConn{conn: conn, peerKey: hs.PeerStatic()}
	if initiator {
		sc.send, sc.recv = cs1, cs2
	} else {
		sc.send, sc.recv = cs2, cs1
	}
	return sc, nil
}

// PeerKey returns the remote X25519 static key learned in the handshake.
func (sc *secureConn) PeerKey() []byte {
	return sc.peerKey
}

func (sc *secureConn) Write(p []byte) (int, error) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	sealed, err := sc.send.Encrypt(nil, nil, p)
	if err != nil {
		return 0, fmt.Errorf("noise encrypt: %w", err)
	}
	buf := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(sealed)))
	copy(buf[4:], sealed)
	if _, err := sc.conn.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (sc *secureConn) Read(p []byte) (int, error) {
	if len(sc.readBuf) > 0 {
		n := copy(p, sc.readBuf)
		sc.readBuf = sc.readBuf[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(sc.conn, lenBuf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSealed {
		return 0, fmt.Errorf("noise message too large: %d > %d", n, maxSealed)
	}
	sealed := make([]byte, n)
	if _, err := io.ReadFull(sc.conn, sealed); err != nil {
		return 0, err
	}
	plain, err := sc.recv.Decrypt(nil, nil, sealed)
	if err != nil {
		return 0, fmt.Errorf("noise decrypt: %w", err)
	}

	copied := copy(p, plain)
	if copied < len(plain) {
		sc.readBuf = plain[copied:]
	}
	return copied, nil
}

// SetDeadline applies to the underlying connection. It only bounds reads
// that reach the socket; bytes already decrypted are returned regardless.
func (sc *secureConn) SetDeadline(t time.Time) error {
	return sc.conn.SetDeadline(t)
}

func (sc *secureConn) Close() error {
	return sc.conn.Close()
}

// Handshake messages are framed as [2B length][message].
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
