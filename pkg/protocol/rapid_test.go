package protocol

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

// TestXORInvolution tests that applying the transform twice restores the input
func TestXORInvolution(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "key")
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		pos := rapid.IntRange(0, len(key)-1).Draw(t, "pos")

		buf := bytes.Clone(data)
		XORBytes(buf, key, pos)
		XORBytes(buf, key, pos)

		if !bytes.Equal(buf, data) {
			t.Fatalf("round trip changed data")
		}
	})
}

// TestXORSegmentationIndependent tests that transforming a stream in
// arbitrary chunks gives the same bytes as transforming it at once
func TestXORSegmentationIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), 1, 16).Draw(t, "key")
		data := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "data")

		whole := bytes.Clone(data)
		XORBytes(whole, key, 0)

		chunked := bytes.Clone(data)
		pos := 0
		for off := 0; off < len(chunked); {
			n := rapid.IntRange(1, len(chunked)-off).Draw(t, "chunk")
			pos = XORBytes(chunked[off:off+n], key, pos)
			off += n
		}

		if !bytes.Equal(whole, chunked) {
			t.Fatalf("chunked transform differs from whole transform")
		}
	})
}

// TestCipherConnRoundTrip tests that two CipherConns with the same key
// exchange plaintext over a pipe regardless of write sizes
func TestCipherConnRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), 1, 16).Draw(t, "key")
		writes := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 1, 64), 1, 8).Draw(t, "writes")

		a, b := net.Pipe()
		defer a.Close()
		defer b.Close()
		client := NewCipherConn(a, key)
		server := NewCipherConn(b, key)

		var want []byte
		for _, w := range writes {
			want = append(want, w...)
		}

		go func() {
			for _, w := range writes {
				client.Write(w)
			}
		}()

		got := make([]byte, 0, len(want))
		buf := make([]byte, 7)
		for len(got) < len(want) {
			n, err := server.Read(buf)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			got = append(got, buf[:n]...)
		}

		if !bytes.Equal(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

// TestNormalizeUsernameProperties tests the username invariants for any input
func TestNormalizeUsernameProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.OneOf(
			rapid.String(),
			rapid.StringMatching(`[a-z\r\n ]{0,80}`),
		).Draw(t, "raw")
		name := NormalizeUsername(raw)

		if name == "" {
			t.Fatalf("empty username from %q", raw)
		}
		if len(name) > MaxUsernameSize {
			t.Fatalf("username %d bytes, max %d", len(name), MaxUsernameSize)
		}
		if utf8.ValidString(raw) && !utf8.ValidString(name) {
			t.Fatalf("valid input %q produced invalid UTF-8 %q", raw, name)
		}
		if strings.ContainsAny(name, "\r\n") {
			t.Fatalf("line break kept in %q", name)
		}
	})
}

// TestParseCommandTotal tests that every body parses to a command or a usage error
func TestParseCommandTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.String().Draw(t, "body")
		cmd, err := ParseCommand(body)
		if err != nil {
			if _, ok := err.(*UsageError); !ok {
				t.Fatalf("non-usage error %T for %q", err, body)
			}
			return
		}
		if cmd == nil {
			t.Fatalf("nil command for %q", body)
		}
		if !strings.HasPrefix(body, "/") {
			if chat, ok := cmd.(Chat); !ok || chat.Body != body {
				t.Fatalf("plain text %q parsed as %#v", body, cmd)
			}
		}
	})
}

// TestJoinRoomAlwaysValid tests that a parsed /join always names a safe room
func TestJoinRoomAlwaysValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		arg := rapid.String().Draw(t, "arg")
		cmd, err := ParseCommand("/join " + arg)
		if err != nil {
			return
		}
		join, ok := cmd.(Join)
		if !ok {
			t.Fatalf("/join parsed as %T", cmd)
		}
		if !ValidRoomName(join.Room) {
			t.Fatalf("invalid room %q accepted", join.Room)
		}
	})
}
