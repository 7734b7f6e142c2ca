package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/swat-engineering/rsync-backup/internal/config"
)

type testServer struct {
	addr    *net.TCPAddr
	hostKey ssh.PublicKey
}

func newKey(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, priv
}

// startServer accepts the given client key for user "backup" and answers every
// exec request with one line of output and the given exit status.
func startServer(t *testing.T, clientKey ssh.PublicKey, exitStatus uint32) testServer {
	t.Helper()
	hostSigner, _ := newKey(t)
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == "backup" && bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key for %s", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(nc, cfg, exitStatus)
		}
	}()
	return testServer{addr: ln.Addr().(*net.TCPAddr), hostKey: hostSigner.PublicKey()}
}

func serve(nc net.Conn, cfg *ssh.ServerConfig, exitStatus uint32) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				req.Reply(true, nil)
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					return
				}
				fmt.Fprintf(ch, "ran %s\n", payload.Command)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{exitStatus}))
				return
			}
		}()
	}
}

func writeClientKey(t *testing.T, priv ed25519.PrivateKey) string {
	t.Helper()
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func knownHostLine(srv testServer) string {
	return knownhosts.Line([]string{srv.addr.String()}, srv.hostKey)
}

func TestProbeRunsCommand(t *testing.T) {
	clientSigner, clientPriv := newKey(t)
	srv := startServer(t, clientSigner.PublicKey(), 0)

	check := &config.SSHCheck{
		PrivateKeyFile: writeClientKey(t, clientPriv),
		KnownHosts:     []string{knownHostLine(srv)},
		Port:           srv.addr.Port,
	}

	var out bytes.Buffer
	err := Prober{}.Probe("backup", "127.0.0.1", check, &out)
	require.NoError(t, err)
	assert.Equal(t, "ran rsync --version\n", out.String())
}

func TestProbeReportsFailingCommand(t *testing.T) {
	clientSigner, clientPriv := newKey(t)
	srv := startServer(t, clientSigner.PublicKey(), 127)

	check := &config.SSHCheck{
		PrivateKeyFile: writeClientKey(t, clientPriv),
		KnownHosts:     []string{knownHostLine(srv)},
		Port:           srv.addr.Port,
		Command:        "which rsync",
	}

	err := Prober{}.Probe("backup", "127.0.0.1", check, &bytes.Buffer{})
	require.Error(t, err)
	var exitErr *ssh.ExitError
	assert.ErrorAs(t, err, &exitErr)
	assert.ErrorContains(t, err, `"which rsync"`)
}

func TestProbeRejectsUnknownHostKey(t *testing.T) {
	clientSigner, clientPriv := newKey(t)
	srv := startServer(t, clientSigner.PublicKey(), 0)
	other, _ := newKey(t)

	check := &config.SSHCheck{
		PrivateKeyFile: writeClientKey(t, clientPriv),
		KnownHosts:     []string{knownhosts.Line([]string{srv.addr.String()}, other.PublicKey())},
		Port:           srv.addr.Port,
	}

	err := Prober{}.Probe("backup", "127.0.0.1", check, &bytes.Buffer{})
	assert.ErrorContains(t, err, "opening ssh connection")
}

func TestProbeMissingKeyFile(t *testing.T) {
	check := &config.SSHCheck{PrivateKeyFile: filepath.Join(t.TempDir(), "missing")}
	err := Prober{}.Probe("backup", "db1", check, &bytes.Buffer{})
	assert.ErrorContains(t, err, "reading private key")
}

func TestWithPort(t *testing.T) {
	assert.Equal(t, "db1:22", withPort("db1", 0))
	assert.Equal(t, "db1:2222", withPort("db1", 2222))
	assert.Equal(t, "db1:2200", withPort("db1:2200", 22))
	assert.Equal(t, "[::1]:22", withPort("::1", 0))
}

func TestKnownHostChecker(t *testing.T) {
	signer, _ := newKey(t)
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
	hostPort := net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port))

	check, err := createKnownHostChecker(knownhosts.Line([]string{hostPort}, signer.PublicKey()), "")
	require.NoError(t, err)
	assert.NoError(t, check(hostPort, addr, signer.PublicKey()))

	other, _ := newKey(t)
	assert.Error(t, check(hostPort, addr, other.PublicKey()))
}

func TestParseSshKeyRejectsGarbage(t *testing.T) {
	_, err := parseSshKey([]byte("not a key"))
	assert.ErrorContains(t, err, "parsing private key")
}
