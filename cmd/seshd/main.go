// seshd – the background daemon that supervises terminal sessions.
//
// Usage:
//
//	seshd [--root <dir>] [--exit-on-empty] [--debug-ws-addr <addr>]
//
// The daemon listens on a Unix domain socket at <root>/server.sock and
// handles commands from the sesh CLI. It is normally started
// automatically by sesh; you do not need to run it by hand.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ianremillard/sesh/internal/daemon"
)

func main() {
	rootDir := flag.String("root", defaultRoot(), "seshd runtime directory (env: SESH_ROOT)")
	exitOnEmpty := flag.Bool("exit-on-empty", false, "shut down once the last session exits")
	historyPath := flag.String("history-db", "", "path to the terminated-session history database (default: <root>/history.db)")
	debugWSAddr := flag.String("debug-ws-addr", "", "loopback address for the read-only session dashboard (default: disabled)")
	flag.Bool("daemonize", false, "ignored: present so bootstrap forks can always pass it")
	flag.Parse()

	hist := *historyPath
	if hist == "" {
		hist = filepath.Join(*rootDir, "history.db")
	}

	d, err := daemon.New(daemon.Config{
		RootDir:     *rootDir,
		ExitOnEmpty: *exitOnEmpty,
		HistoryPath: hist,
		DebugWSAddr: *debugWSAddr,
	})
	if err != nil {
		log.Fatalf("daemon init: %v", err)
	}

	socketPath := filepath.Join(*rootDir, "server.sock")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGCHLD)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGCHLD:
				if shouldExit := d.Reap(); shouldExit {
					d.Shutdown()
					os.Exit(0)
				}
			case syscall.SIGINT, syscall.SIGQUIT:
				d.Shutdown()
				os.Exit(0)
			}
		}
	}()

	if err := d.Run(socketPath); err != nil {
		log.Fatalf("daemon run: %v", err)
	}
}

// defaultRoot resolves SESH_ROOT, then falls back to
// XDG_RUNTIME_DIR/sesh, then /tmp/sesh.
func defaultRoot() string {
	if env := os.Getenv("SESH_ROOT"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "sesh")
	}
	return "/tmp/sesh"
}
