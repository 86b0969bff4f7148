// Package protocol defines the JSON messages exchanged between the codive
// service and the runner subprocess over stdin/stdout.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Request is the payload the caller writes to the runner's stdin.
// Code carries control characters escaped as the two-character sequences
// `\n` and `\t`; see Escape and Unescape.
type Request struct {
	Code string `json:"code"`
}

// Reply is the single line the runner writes to stdout.
type Reply struct {
	Stdout        string  `json:"stdout"`
	Error         string  `json:"error"`
	ExecutionTime float64 `json:"execution_time"` // milliseconds
	MemoryUsage   float64 `json:"memory_usage"`   // kilobytes
}

// MaxRequestBytes caps what the runner reads from stdin.
const MaxRequestBytes = 4 * 1024 * 1024 // 4 MB

// MaxReplyBytes caps what a caller reads back from the runner.
const MaxReplyBytes = 8 * 1024 * 1024 // 8 MB

// DefaultMaxOutputBytes is the default cap on captured program output.
const DefaultMaxOutputBytes = 1024 * 1024 // 1 MB

// Exit codes of the runner process. 2 is left to the Go runtime, which
// uses it for fatal errors and unrecovered panics.
const (
	ExitOK               = 0
	ExitHarnessFailure   = 1
	ExitRuntimeCrash     = 2
	ExitMalformedRequest = 3
)

var (
	unescaper = strings.NewReplacer(`\n`, "\n", `\t`, "\t")
	escaper   = strings.NewReplacer("\n", `\n`, "\t", `\t`)
)

// Unescape turns the literal sequences backslash-n and backslash-t into a
// real newline and tab. Nothing else is interpreted.
func Unescape(code string) string {
	return unescaper.Replace(code)
}

// Escape is the inverse of Unescape for code that contains no literal
// backslash-n or backslash-t sequences of its own.
func Escape(code string) string {
	return escaper.Replace(code)
}

// DecodeRequest reads one request object from r. A missing code field
// decodes to the empty program.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(io.LimitReader(r, MaxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	return req, nil
}

// WriteReply writes rep to w as a single JSON line.
func WriteReply(w io.Writer, rep Reply) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

// ParseReply parses the first line of data as a Reply.
func ParseReply(data []byte) (Reply, error) {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Reply{}, fmt.Errorf("empty reply")
	}
	var rep Reply
	if err := json.Unmarshal(line, &rep); err != nil {
		return Reply{}, fmt.Errorf("parsing reply: %w", err)
	}
	return rep, nil
}
