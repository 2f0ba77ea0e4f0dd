package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes activated sockets starting at fd 3
// (0=stdin, 1=stdout, 2=stderr).
const firstFD = 3

// Listener returns the systemd-activated listener for the trigger server,
// detected via the LISTEN_PID and LISTEN_FDS environment variables. It
// returns nil when no socket activation is present or the activation is
// meant for a different process; the server then binds its configured
// address itself.
func Listener() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}

	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}
	if numFDs > 1 {
		return nil, fmt.Errorf("expected a single activated socket, got %d", numFDs)
	}

	file := os.NewFile(uintptr(firstFD), "systemd-socket-0")
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", firstFD)
	}

	listener, err := net.FileListener(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", firstFD, err)
	}

	// Listener takes ownership of the descriptor.
	_ = file.Close()

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listener, nil
}
