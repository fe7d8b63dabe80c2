package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultServerURL = "http://localhost:12212"
	requestTimeout   = 60 * time.Second
)

func main() {
	var serverURL string
	flag.StringVar(&serverURL, "server", defaultServerURL, "Server URL")
	flag.StringVar(&serverURL, "s", defaultServerURL, "Server URL (short)")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(1)
	}

	command, cleanup, err := buildCommand(flag.Args())
	if err != nil {
		printError(&CommandResult{Error: err.Error(), Hints: errors.GetAllHints(err)})
		os.Exit(1)
	}
	defer cleanup()

	result := executeCommand(serverURL, command)

	if result.Success {
		printSuccess(result)
		return
	}
	printError(result)
	cleanup()
	os.Exit(1)
}

// buildCommand turns CLI arguments into a command line for the server.
// Local paths are made absolute since the server resolves them.
func buildCommand(args []string) (string, func(), error) {
	cleanup := func() {}

	if len(args) >= 2 && args[0] == "print" && args[1] == "--compose" {
		path, err := writeComposedOrder(args[2:])
		if err != nil {
			return "", cleanup, err
		}
		return "print " + quote(path), func() { os.Remove(path) }, nil
	}

	if len(args) >= 2 && args[0] == "print" && !strings.HasPrefix(args[1], "-") && !isURL(args[1]) {
		args[1] = absPath(args[1])
	}
	if len(args) >= 3 && args[0] == "job" && args[1] == "add" {
		args[2] = absPath(args[2])
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quote(a)
	}
	return strings.Join(quoted, " "), cleanup, nil
}

func quote(arg string) string {
	if !strings.ContainsAny(arg, " \t") {
		return arg
	}
	if strings.Contains(arg, `"`) {
		return "'" + arg + "'"
	}
	return `"` + arg + `"`
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s

Usage:
  order-print-cli [flags] <command>

Flags:
  -s, -server <url>    Server URL (default: %s)

Commands:
  print <order-path|order-url>
    Print an order through the hardware / spooler / browser chain

  print --text <text> [--id <order-id>]
    Print a plain text order

  print --compose <fields...>
    Compose and print an order from command-line arguments
    Fields:
      id:42                 - Order id
      customer:"Ana"        - Customer name
      item:"2x Soup"        - One description line (repeatable)
      notes:"no onions"     - Notes
      address:"Rua A, 10"   - Delivery address
      payment:cash          - Payment method
      total:12.50           - Order total

  printer list
    List printers from the last detection

  printer rename <id> <name>
    Set a custom name for a printer

  job list
    List jobs in the remote print queue

  job show <id>
    Show a queued job

  job add <data-path> [type]
    Queue a job for a remote agent

  detect
    Scan for printers

  status
    Summarize printers and queued jobs

  help
    Show help message

Examples:
  order-print-cli print ./order.json
  order-print-cli print --compose id:42 customer:"Ana" item:"2x Soup" total:12.50
  order-print-cli printer rename a1b2c3 "Kitchen Printer"
  order-print-cli -s http://localhost:8080 detect

`, headerStyle.Render("Order Print Agent CLI"), defaultServerURL)
}

type CommandResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Hints   []string       `json:"-"`
}

func executeCommand(serverURL, command string) *CommandResult {
	url := strings.TrimSuffix(serverURL, "/") + "/command"

	jsonData, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return &CommandResult{Error: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	client := &http.Client{Timeout: requestTimeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return &CommandResult{
			Error: fmt.Sprintf("failed to connect to server: %v", err),
			Hints: []string{"is the print agent running? start it with order-print-agent"},
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CommandResult{Error: fmt.Sprintf("failed to read response: %v", err)}
	}

	var result CommandResult
	if err := json.Unmarshal(body, &result); err != nil {
		return &CommandResult{Error: fmt.Sprintf("failed to parse response: %v", err)}
	}

	if hints, ok := result.Data["hints"].([]any); ok {
		for _, h := range hints {
			if s, ok := h.(string); ok {
				result.Hints = append(result.Hints, s)
			}
		}
	}

	return &result
}

func printSuccess(result *CommandResult) {
	if result.Message != "" {
		fmt.Println(successStyle.Render("✓ ") + result.Message)
	}

	if result.Data == nil {
		return
	}

	if printers, ok := result.Data["printers"].([]any); ok && len(printers) > 0 {
		t := newTable("ID", "NAME", "KIND", "DEFAULT")
		for _, p := range printers {
			printer, ok := p.(map[string]any)
			if !ok {
				continue
			}
			def := ""
			if b, _ := printer["default"].(bool); b {
				def = "★"
			}
			t.Row(str(printer["id"]), str(printer["name"]), str(printer["kind"]), def)
		}
		fmt.Println(t)
	}

	if jobs, ok := result.Data["jobs"].([]any); ok && len(jobs) > 0 {
		t := newTable("ID", "FILE", "CREATED")
		for _, j := range jobs {
			job, ok := j.(map[string]any)
			if !ok {
				continue
			}
			t.Row(str(job["id"]), str(job["file"]), str(job["timestamp"]))
		}
		fmt.Println(t)
	}

	if jobID, ok := result.Data["job_id"]; ok {
		fmt.Println(mutedStyle.Render("Job ID: ") + str(jobID))
	}

	if data, ok := result.Data["data"]; ok {
		pretty, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(mutedStyle.Render(fmt.Sprintf("Job %s (%s)", str(result.Data["id"]), str(result.Data["type"]))))
		fmt.Println(string(pretty))
	}

	if method, ok := result.Data["method"].(string); ok && method != "" {
		fmt.Println(mutedStyle.Render("Method: ") + method)
	}
}

func printError(result *CommandResult) {
	msg := result.Error
	if msg == "" {
		msg = result.Message
	}
	fmt.Fprintln(os.Stderr, errorStyle.Render("✗ Error: ")+msg)
	for _, h := range result.Hints {
		fmt.Fprintln(os.Stderr, hintStyle.Render("  hint: ")+h)
	}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}
