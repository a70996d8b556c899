// protocol.go defines the IPC protocol between the unprivileged broker and the root helper.
// Communication uses CBOR values streamed over a persistent Unix domain socket.
// Requests carry an ID so replies can be matched when they arrive out of order.
package helper

import (
	"fmt"

	"github.com/doughall/zfsbroker/internal/codec"
)

// DefaultSocketPath is the Unix domain socket the installed helper listens on.
const DefaultSocketPath = "/run/zfsbroker/helper.sock"

// Command identifies the privileged operation requested from the helper.
type Command string

const (
	// CommandHello is the handshake exchanged right after dialing.
	CommandHello Command = "hello"

	CommandImportPools        Command = "import_pools"
	CommandMountFilesystems   Command = "mount_filesystems"
	CommandUnmountFilesystems Command = "unmount_filesystems"
	CommandLoadKey            Command = "load_key"
	CommandScrubPool          Command = "scrub_pool"
)

// Request is sent from the broker to the helper.
type Request struct {
	ID      uint64           `cbor:"id"`
	Command Command          `cbor:"command"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Response is sent from the helper back to the broker.
// A response with OK=false carries the helper's error and is never retried.
type Response struct {
	ID    uint64           `cbor:"id"`
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Hello is the handshake payload.
type Hello struct {
	BrokerVersion string `cbor:"broker_version"`
}

// HelloReply tells the broker which helper build it reached.
type HelloReply struct {
	HelperVersion string `cbor:"helper_version"`
	PID           int    `cbor:"pid"`
}

// RemoteError is the failure reported by the helper for a command it received.
type RemoteError struct {
	Command Command
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("helper %s failed (%s): %s", e.Command, e.Code, e.Message)
	}
	return fmt.Sprintf("helper %s failed: %s", e.Command, e.Message)
}
