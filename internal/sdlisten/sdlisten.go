// Package sdlisten implements systemd socket activation: turning the file
// descriptors systemd hands a unit into usable net.Listeners.
package sdlisten

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrPIDMismatch is returned when $LISTEN_PID does not refer to us.
	ErrPIDMismatch = errors.New("$LISTEN_PID != our PID")

	// First FD for listeners. It's 3 by definition, but using a variable
	// simplifies testing.
	firstFD = 3
)

// Listeners builds a map from socket name to the net.Listeners systemd
// passed via the LISTEN_FDS/LISTEN_FDNAMES environment variables. Returns
// (nil, nil) if the process was not socket-activated.
// See sd_listen_fds(3) and sd_listen_fds_with_names(3).
func Listeners() (map[string][]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	nfdsStr := os.Getenv("LISTEN_FDS")
	fdNamesStr := os.Getenv("LISTEN_FDNAMES")
	fdNames := strings.Split(fdNamesStr, ":")

	if pidStr == "" || nfdsStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("error converting $LISTEN_PID=%q: %v", pidStr, err)
	} else if pid != os.Getpid() {
		return nil, ErrPIDMismatch
	}

	nfds, err := strconv.Atoi(nfdsStr)
	if err != nil {
		return nil, fmt.Errorf("error reading $LISTEN_FDS=%q: %v", nfdsStr, err)
	}

	// We should have as many names as descriptors. If we have no
	// descriptors, fdNames will be [""] (due to how strings.Split works),
	// which is the special-cased zero count.
	if nfds > 0 && (fdNamesStr == "" || len(fdNames) != nfds) {
		return nil, fmt.Errorf("incorrect LISTEN_FDNAMES, have you set FileDescriptorName?")
	}

	listeners := map[string][]net.Listener{}

	for i := 0; i < nfds; i++ {
		fd := firstFD + i
		syscall.CloseOnExec(fd)

		name := fdNames[i]
		sysName := fmt.Sprintf("[sdlisten-fd-%d-%v]", fd, name)
		lis, err := net.FileListener(os.NewFile(uintptr(fd), sysName))
		if err != nil {
			return nil, fmt.Errorf("error making listener out of fd %d: %v", fd, err)
		}

		listeners[name] = append(listeners[name], lis)
	}

	os.Unsetenv("LISTEN_PID")
	os.Unsetenv("LISTEN_FDS")
	os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}
