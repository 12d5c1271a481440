//go:build windows

package terminal

// watchResize is a no-op: Windows consoles have no SIGWINCH. The size sent
// at start stays in effect.
func (t *ShellTerminal) watchResize() func() {
	return func() {}
}
