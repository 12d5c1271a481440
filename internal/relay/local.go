package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"vmgate/core/streaming"
)

var (
	errRejected    = errors.New("terminal request rejected")
	errShellExited = errors.New("shell exited")
)

// ResizeMessage is the in-band control frame that changes the terminal
// geometry. It is never written to the shell.
type ResizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// parseResize reports whether frame is a resize control frame. A frame that
// does not decode as one is keystroke input.
func parseResize(frame []byte) (ResizeMessage, bool) {
	var msg ResizeMessage
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "resize" {
		return ResizeMessage{}, false
	}
	return msg, true
}

func (m ResizeMessage) winsize() (*pty.Winsize, bool) {
	if m.Rows <= 0 || m.Cols <= 0 || m.Rows > 0xffff || m.Cols > 0xffff {
		return nil, false
	}
	return &pty.Winsize{Rows: uint16(m.Rows), Cols: uint16(m.Cols)}, true
}

func (r *Relay) serveLocal(ctx context.Context, conn *websocket.Conn, s *session, logger zerolog.Logger) error {
	cmd := r.shells.ShellCommand(s.info.VMName)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start VM shell")
		sendLine(conn, connectionError(err, s.info.VMName))
		return err
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Msg("VM shell started")
	s.setState(StateActive)

	errChan := make(chan error, 2)
	go func() { errChan <- pumpOutput(ptmx, conn) }()
	go func() { errChan <- pumpInput(conn, ptmx, logger) }()

	var first error
	pending := 2
	select {
	case first = <-errChan:
		pending--
	case <-ctx.Done():
		first = ctx.Err()
	}
	s.setState(StateClosing)

	if errors.Is(first, errShellExited) {
		closeNormal(conn, "session ended")
	}

	// Unblock both pumps. Every step runs even if an earlier one fails.
	now := time.Now()
	conn.SetReadDeadline(now)
	conn.SetWriteDeadline(now)
	if err := ptmx.Close(); err != nil {
		logger.Debug().Err(err).Msg("Closing pty")
	}
	r.terminate(cmd, logger)

	for ; pending > 0; pending-- {
		<-errChan
	}
	return first
}

// pumpOutput forwards shell output as binary frames until the pty reports
// end of stream.
func pumpOutput(ptmx *os.File, conn *websocket.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			// Linux reports EIO once the last tty holder has gone.
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) {
				return errShellExited
			}
			return err
		}
	}
}

// pumpInput applies resize frames to the pty and writes every other frame
// to it verbatim.
func pumpInput(conn *websocket.Conn, ptmx *os.File, logger zerolog.Logger) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if msg, ok := parseResize(frame); ok {
			if size, valid := msg.winsize(); valid {
				if err := pty.Setsize(ptmx, size); err != nil {
					logger.Debug().Err(err).Msg("Terminal resize failed")
				}
			}
			continue
		}

		if _, err := ptmx.Write(frame); err != nil {
			return err
		}
	}
}

// terminate stops the shell's process group, escalating to SIGKILL after
// the grace period, and always reaps the process.
func (r *Relay) terminate(cmd *exec.Cmd, logger zerolog.Logger) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	// The shell leads its own session, so -pid addresses its group.
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Debug().Err(err).Int("pid", pid).Msg("SIGTERM failed")
	}

	select {
	case <-exited:
		return
	case <-time.After(r.grace):
	}

	logger.Warn().Int("pid", pid).Dur("grace", r.grace).Msg("VM shell ignored SIGTERM, killing")
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Debug().Err(err).Int("pid", pid).Msg("SIGKILL failed")
		cmd.Process.Kill()
	}
	<-exited
}

func isNormalEnd(err error) bool {
	return errors.Is(err, errShellExited) || streaming.IsNormalClose(err)
}
