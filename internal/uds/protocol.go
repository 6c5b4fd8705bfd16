// Package uds implements the Unix domain socket control channel between the
// dispatchd CLI and a running daemon.
//
// Each connection carries one request and one response, both encoded as a
// single line of JSON.
package uds

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is bumped whenever request or response shapes change
// incompatibly.
const ProtocolVersion = 2

// DefaultSocketName is the socket filename inside the daemon's base directory.
const DefaultSocketName = "dispatchd.sock"

// Control commands understood by the daemon.
const (
	CommandPing     = "ping"
	CommandWake     = "wake"
	CommandStats    = "stats"
	CommandShutdown = "shutdown"
)

// Error codes carried in ErrorDetail.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeUnavailable      = "UNAVAILABLE"
)

// maxLineSize bounds a single request or response.
const maxLineSize = 1 << 20

// ErrDaemonNotRunning is returned by Client.Call when nothing listens on the
// socket.
var ErrDaemonNotRunning = errors.New("daemon not running")

type request struct {
	Version int    `json:"v"`
	Command string `json:"command"`
}

type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is a failed control request as seen by the client.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

// Unavailable wraps err so the client sees ErrCodeUnavailable instead of
// ErrCodeInternal.
func Unavailable(err error) error {
	return &ErrorDetail{Code: ErrCodeUnavailable, Message: err.Error()}
}

func marshalData(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return raw, nil
}

// writeLine encodes v as one JSON line.
func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// readLine decodes one JSON line from r into v.
func readLine(r io.Reader, v any) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return err
		}
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(sc.Bytes(), v)
}
