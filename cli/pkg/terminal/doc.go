// Package terminal provides interactive shell access to multipass VMs from
// the command line.
//
// It bridges the local terminal with the websocket relay served by the
// master on /ws. The master either runs `multipass shell` on its own host or
// chains the connection to the agent that owns the VM.
//
// # ARCHITECTURE
//
//	vmctl (stdin/stdout) ↔ ShellTerminal ↔ WebSocket ↔ Master relay ↔ [Agent relay] ↔ pty ↔ multipass shell
//
// Key components:
//   - Terminal raw mode: Character-by-character input using golang.org/x/term
//   - Bidirectional streaming: Keystrokes go out as binary frames, output is copied verbatim
//   - Resize frames: {"type":"resize","cols":N,"rows":M} sent at start and on SIGWINCH
//   - Clean exit: Ctrl+] followed by 'q' to close the session
//
// # USAGE
//
// Command-line usage:
//
//	# Shell on a VM of the master host
//	vmctl shell web
//
//	# Shell on a VM owned by an agent
//	vmctl shell web --agent node-1
//
// Programmatic usage:
//
//	url, err := client.TerminalURL("web", "node-1")
//	if err != nil {
//	    return err
//	}
//	shell, err := terminal.Dial(ctx, url, client.TerminalHeader(), "web")
//	if err != nil {
//	    return err
//	}
//	defer shell.Close()
//	return shell.Start(ctx)
//
// # TERMINAL CONTROL
//
// When stdin is a TTY the handler puts it into raw mode. Raw mode is
// restored when the session ends. Piped stdin is forwarded as-is, without
// raw mode or resize frames, which makes the package usable from scripts.
//
// Exit sequences:
//   - Ctrl+] then 'q': Clean exit
//   - SIGINT/SIGTERM delivered to vmctl: graceful cleanup
//   - The remote shell exiting: the relay closes the websocket normally
//
// # ERROR HANDLING
//
// The relay reports startup failures (unknown agent, offline agent, missing
// multipass) as a single text frame before closing, so they are printed like
// any other shell output. Handshake failures, such as an invalid API key,
// surface from Dial with the HTTP status.
//
// # THREAD SAFETY
//
// ShellTerminal uses goroutines for concurrent read/write operations:
//   - relayToStdout: Reads websocket frames → writes to stdout
//   - stdinToRelay: Reads from stdin → writes binary frames
//   - watchResize: Turns SIGWINCH into resize frames
//
// The two writers share a mutex because gorilla/websocket supports a single
// concurrent writer.
package terminal
