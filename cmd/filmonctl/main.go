// Command filmonctl is the local control client for filmond: it talks
// to the daemon's UNIX control socket (filmond holds the printer
// serial port exclusively, so an external console cannot share the
// device directly).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultSocket = "/run/filmon/filmon.sock"

var commands = map[string]bool{
	"status": true, "rearm": true, "reset": true, "enable": true,
	"arm": true, "unarm": true, "disable": true, "test-notify": true,
}

type response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Raw     string          `json:"raw,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`
	Version string          `json:"version,omitempty"`
}

type stateView struct {
	Enabled                bool `json:"enabled"`
	Armed                  bool `json:"armed"`
	Latched                bool `json:"latched"`
	MotionPulsesSinceReset uint64 `json:"motion_pulses_since_reset"`
}

func main() {
	os.Exit(run())
}

func run() int {
	sockDefault := os.Getenv("FILMON_SOCKET")
	if sockDefault == "" {
		sockDefault = defaultSocket
	}

	fs := flag.NewFlagSet("filmonctl", flag.ContinueOnError)
	sockPath := fs.String("socket", sockDefault, "Control socket path.")
	asJSON := fs.Bool("json", false, "Print raw JSON response.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}
	args := fs.Args()
	if len(args) != 1 || !commands[args[0]] {
		fmt.Fprintln(os.Stderr, "usage: filmonctl [--socket PATH] [--json] {status|rearm|reset|enable|arm|unarm|disable|test-notify}")
		return 2
	}
	cmd := args[0]

	if cmd == "test-notify" {
		return testNotify()
	}

	resp, err := send(*sockPath, cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	if *asJSON {
		enc, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(enc))
		return 0
	}

	if !resp.OK {
		fmt.Fprintln(os.Stderr, "error:", orDefault(resp.Error, "unknown error"))
		if resp.Raw != "" {
			fmt.Fprintln(os.Stderr, resp.Raw)
		}
		return 2
	}
	if cmd == "status" {
		var st stateView
		_ = json.Unmarshal(resp.State, &st)
		fmt.Printf("ok  version=%s enabled=%v armed=%v latched=%v pulses_reset=%d\n",
			resp.Version, st.Enabled, st.Armed, st.Latched, st.MotionPulsesSinceReset)
	} else {
		fmt.Println("ok")
	}
	return 0
}

func send(sockPath, cmd string) (response, error) {
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		return response{}, err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(cmd)); err != nil {
		return response{}, err
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil {
			return response{}, err
		}
		return response{OK: false, Error: "empty response"}, nil
	}
	var resp response
	if jsonErr := json.Unmarshal([]byte(line), &resp); jsonErr != nil {
		return response{OK: false, Error: "non-json response", Raw: line}, nil
	}
	return resp, nil
}

// testNotify bypasses the daemon entirely and posts directly to
// Pushover, matching filmonctl's standalone test-notify command in the
// Python original.
func testNotify() int {
	token := os.Getenv("PUSHOVER_TOKEN")
	user := os.Getenv("PUSHOVER_USER")
	if token == "" || user == "" {
		fmt.Fprintln(os.Stderr, "error: PUSHOVER_TOKEN and PUSHOVER_USER must be set")
		return 2
	}
	form := url.Values{
		"token":   {token},
		"user":    {user},
		"title":   {"Filament Monitor"},
		"message": {"Test notification from filmonctl"},
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.PostForm("https://api.pushover.net/1/messages.json", form)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	defer resp.Body.Close()
	fmt.Println("ok")
	return 0
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
