package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

const (
	// exitSequence1 is the first byte of the exit sequence (Ctrl+]).
	// This follows the convention used by telnet and other terminal programs.
	exitSequence1 = 0x1D // Ctrl+]

	// exitSequence2 is the second byte of the exit sequence ('q').
	// After pressing Ctrl+], the user must press 'q' to exit.
	exitSequence2 = 'q'

	closeWait = time.Second
)

// ShellTerminal bridges the local terminal and a VM shell served by the
// master's websocket relay.
//
// Keystrokes read from stdin are sent as binary frames. Every frame received
// from the relay is written to stdout unchanged. When stdin is a TTY the
// terminal runs in raw mode, and its size is sent as a resize control frame
// at start and again on every SIGWINCH.
//
// Thread safety: gorilla/websocket allows one concurrent writer, so the input
// pump and the resize watcher share writeMu. mu guards the exit sequence
// state and Close.
type ShellTerminal struct {
	// conn is the websocket connection to /ws on the master
	conn *websocket.Conn

	// vmName is only used for the banner
	vmName string

	stdin  io.Reader
	stdout io.Writer

	// fd is the stdin file descriptor, or -1 when stdin is not a TTY
	fd int

	// oldState stores the original terminal state for restoration on exit
	oldState *term.State

	writeMu sync.Mutex

	// mu protects concurrent access to shared state
	mu sync.Mutex

	// done signals that the session should terminate
	done chan struct{}

	// exitPressed tracks whether Ctrl+] was pressed (first byte of exit sequence)
	exitPressed bool
}

// Dial opens the terminal websocket and returns a ShellTerminal bound to
// os.Stdin and os.Stdout.
//
// Example:
//
//	url, _ := client.TerminalURL("web", "")
//	shell, err := terminal.Dial(ctx, url, client.TerminalHeader(), "web")
//	if err != nil {
//	    return err
//	}
//	defer shell.Close()
//	return shell.Start(ctx)
func Dial(ctx context.Context, url string, header http.Header, vmName string) (*ShellTerminal, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open terminal: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to open terminal: %w", err)
	}

	return NewShellTerminal(conn, vmName), nil
}

// NewShellTerminal wraps an established websocket connection.
func NewShellTerminal(conn *websocket.Conn, vmName string) *ShellTerminal {
	t := &ShellTerminal{
		conn:   conn,
		vmName: vmName,
		done:   make(chan struct{}),
	}
	t.SetIO(os.Stdin, os.Stdout)
	return t
}

// SetIO replaces the local streams. Raw mode and resize frames are only
// used when stdin is a TTY.
func (t *ShellTerminal) SetIO(stdin io.Reader, stdout io.Writer) {
	t.stdin = stdin
	t.stdout = stdout
	t.fd = -1
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
	}
}

// Start runs the session and blocks until it ends due to:
//   - User exit sequence (Ctrl+] then 'q')
//   - The relay closing the connection, for instance when the shell exits
//   - Interrupt signal
//   - Context cancellation
//
// The terminal state is restored before returning. Start should only be
// called once per ShellTerminal.
func (t *ShellTerminal) Start(ctx context.Context) error {
	fmt.Fprintf(t.stdout, "Connected to %s. Press Ctrl+] then 'q' to exit.\r\n", t.vmName)

	if t.fd >= 0 {
		state, err := term.MakeRaw(t.fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		t.oldState = state
		defer t.restore()

		t.sendSize()
		stopResize := t.watchResize()
		defer stopResize()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	outputDone := make(chan error, 1)
	go func() { outputDone <- t.relayToStdout() }()

	inputDone := make(chan error, 1)
	go func() { inputDone <- t.stdinToRelay() }()

	// The stdin reader cannot be interrupted, so only the output pump is
	// waited for.
	select {
	case <-ctx.Done():
		t.Close()
		<-outputDone
		return ctx.Err()
	case <-sigCh:
		t.Close()
		<-outputDone
		fmt.Fprint(t.stdout, "\r\nInterrupted. Terminal closed.\r\n")
		return nil
	case err := <-outputDone:
		t.Close()
		fmt.Fprint(t.stdout, "\r\nConnection closed.\r\n")
		return err
	case err := <-inputDone:
		t.Close()
		<-outputDone
		if errors.Is(err, io.EOF) {
			fmt.Fprint(t.stdout, "\r\nTerminal closed by user.\r\n")
			return nil
		}
		return err
	}
}

// relayToStdout copies frames from the relay until the connection closes.
// A normal close or a close after Close was called is not an error.
func (t *ShellTerminal) relayToStdout() error {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("terminal read error: %w", err)
		}
		if _, err := t.stdout.Write(data); err != nil {
			return fmt.Errorf("failed to write to stdout: %w", err)
		}
	}
}

// stdinToRelay sends keystrokes until the exit sequence (io.EOF), a read
// failure or a send failure.
func (t *ShellTerminal) stdinToRelay() error {
	buf := make([]byte, 1024)

	for {
		n, err := t.stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if t.checkExitSequence(data) {
				return io.EOF
			}
			if werr := t.write(websocket.BinaryMessage, data); werr != nil {
				if t.closed() {
					return nil
				}
				return fmt.Errorf("failed to send input: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// stdin ended without the exit sequence; keep printing output
				<-t.done
				return nil
			}
			return err
		}
	}
}

// checkExitSequence checks if the exit sequence was pressed.
//
// The exit sequence is Ctrl+] (0x1D) followed by 'q'. State is kept across
// calls so the sequence may be split over two reads.
func (t *ShellTerminal) checkExitSequence(data []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range data {
		if t.exitPressed {
			if b == exitSequence2 {
				return true
			}
			t.exitPressed = false
		} else if b == exitSequence1 {
			t.exitPressed = true
		}
	}

	return false
}

// sendSize reports the current TTY geometry to the relay
func (t *ShellTerminal) sendSize() {
	cols, rows, err := term.GetSize(t.fd)
	if err != nil {
		return
	}
	_ = t.write(websocket.TextMessage, resizeFrame(cols, rows))
}

// resizeMessage mirrors the relay's in-band control frame
type resizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func resizeFrame(cols, rows int) []byte {
	data, _ := json.Marshal(resizeMessage{Type: "resize", Cols: cols, Rows: rows})
	return data
}

func (t *ShellTerminal) write(messageType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(messageType, data)
}

func (t *ShellTerminal) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// restore is safe to call multiple times
func (t *ShellTerminal) restore() {
	if t.oldState != nil && t.fd >= 0 {
		_ = term.Restore(t.fd, t.oldState)
	}
}

// Close sends a close frame and closes the connection. It is safe to call
// multiple times. Close does not restore the terminal; Start does.
func (t *ShellTerminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed() {
		return nil
	}
	close(t.done)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))

	return t.conn.Close()
}
