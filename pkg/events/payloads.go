// Package events provides per-process fan-out of log and status events to
// live subscribers with monotonic, resumable event IDs.
package events

// Event payload types.
const (
	TypeLog    = "log"    // catch-up replay of journaled lines
	TypeOutput = "output" // live child output
	TypeStatus = "status" // lifecycle notifications (e.g. process exit)
	TypeError  = "error"
)

// Output stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Payload is the tagged record delivered to subscribers.
type Payload struct {
	Type     string `json:"type"`
	Stream   string `json:"stream,omitempty"`
	Data     string `json:"data,omitempty"`
	Status   string `json:"status,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// OutputPayload builds a live output payload.
func OutputPayload(stream, data string) Payload {
	return Payload{Type: TypeOutput, Stream: stream, Data: data}
}

// LogPayload builds a catch-up payload for a journaled line.
func LogPayload(line string) Payload {
	return Payload{Type: TypeLog, Data: line}
}

// StatusPayload builds a lifecycle payload.
func StatusPayload(status string, exitCode *int) Payload {
	return Payload{Type: TypeStatus, Status: status, ExitCode: exitCode}
}
