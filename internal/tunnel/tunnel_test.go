package tunnel

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Nebaura-Labs/mote-sub000/internal/bridge"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process SSH endpoint accepting one client
// key and serving direct-tcpip forwards with a line echo.
type testSSHServer struct {
	addr string
	ln   net.Listener
}

func startSSHServer(t *testing.T, authorized ssh.PublicKey) *testSSHServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) != string(authorized.Marshal()) {
				return nil, errors.New("unknown key")
			}
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(raw, cfg)
		}
	}()

	return &testSSHServer{addr: ln.Addr().String(), ln: ln}
}

func serveSSHConn(raw net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		return
	}
	defer conn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for newCh := range chans {
		if newCh.ChannelType() != "direct-tcpip" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			defer ch.Close()
			sc := bufio.NewScanner(ch)
			for sc.Scan() {
				if _, err := ch.Write(append([]byte("echo:"+sc.Text()), '\n')); err != nil {
					return
				}
			}
		}()
	}
}

func clientKeyPEM(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}
	return pem.EncodeToMemory(block), sshPub
}

func testConfig(t *testing.T, srvAddr string, keyPEM []byte) Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srvAddr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return Config{
		Host:          host,
		Port:          port,
		User:          "mote",
		PrivateKeyPEM: keyPEM,
		GatewayPort:   18790,
		DialTimeout:   3 * time.Second,
	}
}

func TestDialOpenAndRelay(t *testing.T) {
	keyPEM, pub := clientKeyPEM(t)
	srv := startSSHServer(t, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	tun, err := Dial(ctx, testConfig(t, srv.addr, keyPEM), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { tun.Close() })

	if tun.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", tun.Status())
	}
	if tun.LastConnected().IsZero() {
		t.Fatalf("expected last-connected timestamp")
	}

	conn, err := tun.Open(ctx)
	if err != nil {
		t.Fatalf("open forward: %v", err)
	}
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "echo:ping\n" {
		t.Fatalf("unexpected relay payload %q", line)
	}
}

func TestDialAuthFailureIsTyped(t *testing.T) {
	keyPEM, _ := clientKeyPEM(t)
	_, otherPub := clientKeyPEM(t)
	srv := startSSHServer(t, otherPub) // server only trusts a different key

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	_, err := Dial(ctx, testConfig(t, srv.addr, keyPEM), zaptest.NewLogger(t))
	var terr *bridge.TransportError
	if !errors.As(err, &terr) || terr.Stage != "auth" {
		t.Fatalf("expected auth-stage transport error, got %v", err)
	}
}

func TestDialNetworkFailureIsTyped(t *testing.T) {
	keyPEM, _ := clientKeyPEM(t)

	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	_, err = Dial(ctx, testConfig(t, addr, keyPEM), zaptest.NewLogger(t))
	var terr *bridge.TransportError
	if !errors.As(err, &terr) || terr.Stage != "network" {
		t.Fatalf("expected network-stage transport error, got %v", err)
	}
}

func TestCloseTearsDownForwardsAndForbidsReuse(t *testing.T) {
	keyPEM, pub := clientKeyPEM(t)
	srv := startSSHServer(t, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	tun, err := Dial(ctx, testConfig(t, srv.addr, keyPEM), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn, err := tun.Open(ctx)
	if err != nil {
		t.Fatalf("open forward: %v", err)
	}

	if err := tun.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-tun.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done channel not closed after Close")
	}

	// Forwarded conn must be dead.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected forwarded conn closed after tunnel close")
	}

	// A dead tunnel is never reused.
	if _, err := tun.Open(ctx); err == nil {
		t.Fatalf("expected open on dead tunnel to fail")
	}
	if err := tun.Close(); err != nil {
		t.Fatalf("close must be idempotent: %v", err)
	}
}
