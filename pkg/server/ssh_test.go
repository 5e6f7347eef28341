package server

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// startTestSSH serves SSH for srv on a random local port
func startTestSSH(t *testing.T, srv *Server) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.sshListener = listener
	srv.serveSSH(listener, newSSHConfig(signer))
	return listener.Addr().String()
}

func TestSSHSession(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Stop()
	addr := startTestSSH(t, srv)

	alice, aliceConn := admit(t, srv.sessions, "alice")

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "whoever",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)
	defer session.Close()

	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	stdout, err := session.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())

	_, err = stdin.Write([]byte("sshuser\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(aliceConn.output(), "sshuser joined the chat")
	}, 2*time.Second, 10*time.Millisecond)

	infos := srv.sessions.Find(func(info SessionInfo) bool { return info.Username == "sshuser" })
	require.Len(t, infos, 1)
	assert.Equal(t, TransportSSH, infos[0].Transport)
	assert.True(t, strings.HasPrefix(infos[0].Addr, "127.0.0.1:"), "peer address of the SSH connection")

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	require.NoError(t, srv.sessions.Post(alice, "hello over ssh"))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "ssh stream closed early")
			if strings.HasSuffix(line, "alice: hello over ssh") {
				return
			}
		case <-timeout:
			t.Fatal("message not delivered over ssh")
		}
	}
}

func TestLoadOrGenerateHostKey(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.config.SSHHostKeyPath = filepath.Join(t.TempDir(), "keys", "host_key")

	first, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)

	second, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first.PublicKey().Marshal(), second.PublicKey().Marshal()), "key reloaded from disk")

	srv.config.SSHHostKeyPath = "  "
	_, err = srv.loadOrGenerateHostKey()
	assert.Error(t, err)
}
