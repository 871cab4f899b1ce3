/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * The main function
 */

package main

import (
	"errors"
	"fmt"
	"os"
)

const usageText = `Usage:
    %s [options]

Serves random bytes read from attached Quantis USB RNG devices to TCP
clients over a length-prefixed protocol.

Options are:
    -4             enable IPv4 (default, unless -6 given alone)
    -6             enable IPv6 (default, unless -4 given alone)
    -a             advertise the service over DNS-SD
    -b size        entropy ring buffer size in bytes (default %d)
    -c path        configuration file (default %s/%s)
    -l path        write log to path instead of %s
    -o path        tee every byte read from hardware to path
    -p port        TCP port to listen on (default %d)
    -s path        status/control socket path (default %s)
    -status        query a running daemon's status and exit
    -v level       verbosity, -1 (errors only) to 3 (trace), default %d
    -h             print this message and exit
`

func usage() {
	fmt.Printf(usageText, os.Args[0], DefaultEntropyBufSize, PathConfDir, ConfFileName,
		PathLogFile, DefaultPort, DefaultStatusSocket, DefaultVerbosity)
}

// shouldOpenQuantis is the shouldOpen hook handed to the USB engine.
// Vendor/product matching already happens before this is ever called,
// so this always admits.
func shouldOpenQuantis(UsbDeviceDesc) bool { return true }

func main() {
	cfg, err := ParseArgv(os.Args[1:])
	if err != nil {
		var usageErr flagUsageRequested
		if errors.As(err, &usageErr) {
			usage()
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	Conf = *cfg

	if cfg.StatusMode {
		text, err := CtrlSocketDial(cfg.StatusSocketPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(text)
		os.Exit(0)
	}

	logPath := cfg.LogFile
	if logPath == "" {
		logPath = PathLogFile
	}
	Log.ToFile(logPath)
	Console.ToColorConsole()
	Log.Cc(LogLevelFromVerbosity(cfg.Verbosity), Console)
	defer Log.Close()

	os.MkdirAll(PathLockDir, 0755)
	lock, err := os.OpenFile(PathLockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		Log.Begin().Error('!', "%s", err).Commit()
		os.Exit(1)
	}
	defer lock.Close()

	if err := FileLock(lock, true, false); err != nil {
		if errors.Is(err, ErrLockIsBusy) {
			Log.Begin().Error('!', "network-rngd already running").Commit()
		} else {
			Log.Begin().Error('!', "%s", err).Commit()
		}
		os.Exit(1)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		Log.Begin().Error('!', "%s", err).Commit()
		os.Exit(exitCodeFor(err))
	}
	defer srv.Close()

	Log.Begin().Info(' ', "network-rngd %s started, pid=%d", Version, os.Getpid()).Commit()
	defer Log.Begin().Info(' ', "network-rngd finished").Commit()

	if err := srv.Run(); err != nil && !errors.Is(err, ErrShutdown) && !errors.Is(err, ErrSignalled) {
		Log.Begin().Error('!', "%s", err).Commit()
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the exit code the -v 0 caller sees.
// Go's exit codes are unsigned, so the negative status codes named in
// the CLI surface are mapped onto their positive equivalents.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrOutOfMemory), errors.Is(err, ErrUsbInit):
		return 253
	case errors.Is(err, ErrNetwork):
		return 255
	default:
		return 1
	}
}
