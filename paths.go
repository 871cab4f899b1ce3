/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * Common paths
 */

package main

const (
	// PathConfDir is the path to the configuration directory.
	PathConfDir = "/etc/network-rngd"

	// PathProgState is the path to the program state directory.
	PathProgState = "/var/lib/network-rngd"

	// PathLockDir is the path to the directory that contains lock files.
	PathLockDir = PathProgState + "/lock"

	// PathLockFile is the path to the lock file.
	PathLockFile = PathLockDir + "/network-rngd.lock"

	// PathRunDir is the path to the directory holding runtime sockets.
	PathRunDir = "/run/network-rngd"

	// PathLogDir is the path to the directory holding the daemon's log
	// file when logging to a file is enabled.
	PathLogDir = "/var/log/network-rngd"

	// PathLogFile is the log file path used when -l is not given.
	PathLogFile = PathLogDir + "/network-rngd.log"
)
