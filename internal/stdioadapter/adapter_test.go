package stdioadapter

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func nopEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

// chunkedReader yields the underlying bytes a few at a time, simulating a
// stdout frame split across read() boundaries.
type chunkedReader struct {
	data []byte
	pos  int
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if r.pos+n > len(r.data) {
		n = len(r.data) - r.pos
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}

func TestPumpStdoutFrameSplitAcrossChunks(t *testing.T) {
	frame := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	reader := &chunkedReader{data: []byte(frame), size: 3}

	var got [][]byte
	done := make(chan struct{})
	a := &Adapter{
		log: nopEntry(),
		onMessage: func(f []byte) {
			got = append(got, f)
		},
	}
	go func() {
		a.pumpStdout(reader)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pumpStdout did not finish")
	}

	if len(got) != 1 {
		t.Fatalf("expected exactly one frame, got %d: %v", len(got), got)
	}
}

func TestLooksLikeJSONRPC(t *testing.T) {
	cases := []struct {
		name string
		line string
		want bool
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, true},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, true},
		{"result", `{"jsonrpc":"2.0","id":1,"result":{}}`, true},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-1,"message":"x"}}`, true},
		{"result no id", `{"jsonrpc":"2.0","result":{}}`, false},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, false},
		{"human log", `INFO starting server on :8080`, false},
		{"bracketed log", `[ERROR] connection refused`, false},
		{"not json", `hello world`, false},
		{"empty", ``, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := looksLikeJSONRPC([]byte(tc.line))
			if ok != tc.want {
				t.Fatalf("looksLikeJSONRPC(%q) = %v, want %v", tc.line, ok, tc.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		line string
		want LogLevel
	}{
		{"DEBUG starting worker", LevelDebug},
		{"INFO listening on :9000", LevelInfo},
		{"WARNING low disk space", LevelWarn},
		{"ERROR connection refused", LevelError},
		{"CRITICAL out of memory", LevelFatal},
		{"[WARNING] retrying", LevelWarn},
		{"prefix ERROR suffix", LevelError},
		{"a perfectly ordinary line", LevelInfo},
	}
	for _, tc := range cases {
		if got := classify(tc.line); got != tc.want {
			t.Errorf("classify(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
