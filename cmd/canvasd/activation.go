package main

import (
	"fmt"
	"os"
	"strconv"
)

// listenFdsStart is the first descriptor passed by a service manager.
const listenFdsStart = 3

// socketActivation reports whether the process was started with an inherited
// listening socket, following the LISTEN_PID/LISTEN_FDS convention. Only the
// first descriptor is used.
func socketActivation(getenv func(string) string, pid int) (fd uintptr, ok bool, err error) {
	fds := getenv("LISTEN_FDS")
	if fds == "" {
		return 0, false, nil
	}

	// LISTEN_PID guards against variables inherited by a child process.
	if p := getenv("LISTEN_PID"); p != "" {
		listenPID, err := strconv.Atoi(p)
		if err != nil {
			return 0, false, fmt.Errorf("invalid LISTEN_PID %q: %w", p, err)
		}
		if listenPID != pid {
			return 0, false, nil
		}
	}

	n, err := strconv.Atoi(fds)
	if err != nil {
		return 0, false, fmt.Errorf("invalid LISTEN_FDS %q: %w", fds, err)
	}
	if n < 1 {
		return 0, false, nil
	}

	return listenFdsStart, true, nil
}

// clearActivationEnv keeps the activation variables from leaking into
// processes started later.
func clearActivationEnv() {
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")
}
