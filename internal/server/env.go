package server

import (
	"os"
	"os/user"
	"runtime"
	"strconv"
)

// Version is the server version reported by the srvr/stat commands.
const Version = "0.1.0"

type envEntry struct {
	key   string
	value string
}

// environment collects the key=value pairs printed by the envi command.
func environment() []envEntry {
	host, _ := os.Hostname()
	cwd, _ := os.Getwd()
	username := ""
	home := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
		home = u.HomeDir
	}

	return []envEntry{
		{"roost.version", Version},
		{"host.name", host},
		{"go.version", runtime.Version()},
		{"os.name", runtime.GOOS},
		{"os.arch", runtime.GOARCH},
		{"process.pid", strconv.Itoa(os.Getpid())},
		{"user.name", username},
		{"user.home", home},
		{"user.dir", cwd},
	}
}
