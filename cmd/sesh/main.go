// sesh – the CLI client for the seshd daemon.
//
// Usage:
//
//	sesh start [-name NAME] [-cwd DIR] <program> [args...]
//	sesh attach <name>
//	sesh resume [<name>]
//	sesh select
//	sesh detach [<name>]
//	sesh kill <name>
//	sesh list [-history]
//	sesh shutdown
//
// sesh will start the daemon automatically if it is not already
// running. Detach from an attached session with Meta-\ (ESC then \).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"golang.org/x/term"

	"github.com/ianremillard/sesh/internal/bootstrap"
	"github.com/ianremillard/sesh/internal/client"
	"github.com/ianremillard/sesh/internal/proto"
	"github.com/ianremillard/sesh/internal/sesherr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart()
	case "attach":
		cmdAttach()
	case "resume":
		cmdResume()
	case "select":
		cmdSelect()
	case "detach":
		cmdDetach()
	case "kill":
		cmdKill()
	case "list":
		cmdList()
	case "shutdown":
		cmdShutdown()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sesh <start|attach|resume|select|detach|kill|list|shutdown> ...")
}

// rootDir mirrors seshd's own default: SESH_ROOT, then
// XDG_RUNTIME_DIR/sesh, then /tmp/sesh.
func rootDir() string {
	if env := os.Getenv("SESH_ROOT"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "sesh")
	}
	return "/tmp/sesh"
}

func daemonSocket() string { return filepath.Join(rootDir(), "server.sock") }

// dial bootstraps the daemon if necessary and connects.
func dial() net.Conn {
	sock := daemonSocket()
	if err := bootstrap.EnsureDaemon(rootDir(), sock); err != nil {
		fmt.Fprintf(os.Stderr, "sesh: %v\n", err)
		os.Exit(1)
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sesh: cannot connect to daemon: %v\n", err)
		os.Exit(1)
	}
	return conn
}

// dialExisting connects only if a daemon is already running. Commands
// that merely inspect state print "[not running]" and exit 0 instead
// of bootstrapping one.
func dialExisting() (net.Conn, bool) {
	sock := daemonSocket()
	if !bootstrap.Alive(sock) {
		return nil, false
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, false
	}
	return conn, true
}

func mustRequest(conn net.Conn, req proto.Request) proto.Response {
	if err := proto.WriteRequest(conn, req); err != nil {
		fmt.Fprintf(os.Stderr, "sesh: %v\n", err)
		os.Exit(1)
	}
	resp, err := proto.ReadResponse(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sesh: [failed to connect to server]\n")
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "sesh: %s\n", resp.Error)
		os.Exit(1)
	}
	return resp
}

func selectorFromArg(arg string) proto.Selector {
	if id, err := strconv.Atoi(arg); err == nil {
		return proto.Selector{ID: &id}
	}
	return proto.Selector{Name: arg}
}

func cmdStart() {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	name := fs.String("name", "", "session name (default: program basename)")
	cwd := fs.String("cwd", "", "working directory (default: current directory)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: sesh start [-name NAME] [-cwd DIR] <program> [args...]")
	}
	fs.Parse(os.Args[2:])
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	program := args[0]
	progArgs := args[1:]
	// A single shell-style command string ("sesh start \"htop -d 5\"")
	// is split the way a shell would, without invoking one.
	if len(args) == 1 {
		if parts, err := shellquote.Split(args[0]); err == nil && len(parts) > 1 {
			program, progArgs = parts[0], parts[1:]
		}
	}

	wd := *cwd
	if wd == "" {
		wd, _ = os.Getwd()
	}

	conn := dial()
	resp := mustRequest(conn, proto.Request{
		Type:    proto.ReqStart,
		Name:    *name,
		Program: program,
		Args:    progArgs,
		Cwd:     wd,
		Size:    terminalSize(),
	})
	conn.Close()

	attachLoop(resp)
}

func cmdAttach() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: sesh attach <name>")
		os.Exit(1)
	}
	sel := selectorFromArg(os.Args[2])
	conn := dial()
	resp := mustRequest(conn, proto.Request{Type: proto.ReqAttach, Session: sel, Size: terminalSize()})
	conn.Close()
	attachLoop(resp)
}

// cmdResume attaches to the sole running session when no name is
// given; with more than one candidate it asks the user to be specific,
// the same as a plain attach would.
func cmdResume() {
	if len(os.Args) >= 3 {
		cmdAttach()
		return
	}
	conn := dial()
	resp := mustRequest(conn, proto.Request{Type: proto.ReqList})
	conn.Close()
	if len(resp.Sessions) == 0 {
		fmt.Fprintln(os.Stderr, "sesh: no sessions to resume")
		os.Exit(1)
	}
	if len(resp.Sessions) > 1 {
		fmt.Fprintln(os.Stderr, "sesh: more than one session is running; use 'sesh attach <name>'")
		printSessions(os.Stderr, resp.Sessions)
		os.Exit(1)
	}
	os.Args = []string{os.Args[0], "attach", resp.Sessions[0].Name}
	cmdAttach()
}

// cmdSelect prints a numbered menu and attaches to the chosen session.
// A plain-text stand-in for a fuzzy-picker UI, which is deliberately
// out of scope here.
func cmdSelect() {
	conn := dial()
	resp := mustRequest(conn, proto.Request{Type: proto.ReqList})
	conn.Close()
	if len(resp.Sessions) == 0 {
		fmt.Fprintln(os.Stderr, "sesh: no sessions")
		os.Exit(1)
	}
	for i, s := range resp.Sessions {
		fmt.Fprintf(os.Stderr, "%d) %s (%s)\n", i+1, s.Name, s.Program)
	}
	fmt.Fprint(os.Stderr, "select> ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	idx, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || idx < 1 || idx > len(resp.Sessions) {
		fmt.Fprintln(os.Stderr, "sesh: invalid selection")
		os.Exit(1)
	}
	os.Args = []string{os.Args[0], "attach", resp.Sessions[idx-1].Name}
	cmdAttach()
}

func cmdDetach() {
	var sel proto.Selector
	if len(os.Args) >= 3 {
		sel = selectorFromArg(os.Args[2])
	} else if name := os.Getenv("SESH_NAME"); name != "" {
		sel = proto.Selector{Name: name}
	} else {
		err := fmt.Errorf("%w: SESH_NAME (run inside a session, or pass a name)", sesherr.ErrEnv)
		fmt.Fprintf(os.Stderr, "sesh: %v\n", err)
		os.Exit(1)
	}
	conn, ok := dialExisting()
	if !ok {
		fmt.Println("[not running]")
		return
	}
	mustRequest(conn, proto.Request{Type: proto.ReqDetach, Session: sel})
	conn.Close()
}

func cmdKill() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: sesh kill <name>")
		os.Exit(1)
	}
	conn, ok := dialExisting()
	if !ok {
		fmt.Println("[not running]")
		return
	}
	resp := mustRequest(conn, proto.Request{Type: proto.ReqKill, Session: selectorFromArg(os.Args[2])})
	conn.Close()
	if !resp.Success {
		fmt.Fprintln(os.Stderr, "sesh: kill failed")
		os.Exit(1)
	}
}

func cmdList() {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	history := fs.Bool("history", false, "also show terminated-session history")
	fs.Parse(os.Args[2:])

	conn, ok := dialExisting()
	if !ok {
		fmt.Println("[not running]")
		return
	}
	resp := mustRequest(conn, proto.Request{Type: proto.ReqList, IncludeHistory: *history})
	conn.Close()

	printSessions(os.Stdout, resp.Sessions)
	if *history {
		printHistory(os.Stdout, resp.History)
	}
}

func cmdShutdown() {
	conn, ok := dialExisting()
	if !ok {
		fmt.Println("[not running]")
		return
	}
	mustRequest(conn, proto.Request{Type: proto.ReqShutdown})
	conn.Close()
}

func attachLoop(resp proto.Response) {
	kind, err := client.Run(resp.PID, resp.Socket, daemonSocket(), proto.Selector{Name: resp.Name}, rootDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sesh: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(kind)
}

func terminalSize() *proto.Size {
	fd := int(os.Stdin.Fd())
	if cols, rows, err := term.GetSize(fd); err == nil {
		return &proto.Size{Rows: uint16(rows), Cols: uint16(cols)}
	}
	return nil
}
