package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/thereceipt/order-print-agent/internal/agent"
	"github.com/thereceipt/order-print-agent/internal/order"
	"github.com/thereceipt/order-print-agent/internal/printer"
)

const loadTimeout = 10 * time.Second

// handlePrint prints an order immediately
// Usage: print <order-path|order-url> | print --text <text> [--id <order-id>]
func (e *Executor) handlePrint(ctx context.Context, args []string) *Result {
	if len(args) == 0 {
		return failure("usage: print <order-path|order-url> | print --text <text> [--id <order-id>]")
	}

	var payload *order.Payload

	if args[0] == "--text" {
		if len(args) < 2 {
			return failure("usage: print --text <text> [--id <order-id>]")
		}
		payload = &order.Payload{Description: args[1]}
		if len(args) >= 4 && args[2] == "--id" {
			payload.ID = args[3]
		}
	} else {
		data, err := loadOrder(ctx, args[0])
		if err != nil {
			return failure("failed to load order: %v", err)
		}

		var p order.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return failure("invalid order: %v", err)
		}
		payload = &p
	}

	result, err := e.handler.HandleIncomingJob(ctx, payload, agent.SourceCommand)
	if err != nil {
		return &Result{
			Success: false,
			Error:   err.Error(),
			Data:    map[string]any{"hints": errors.GetAllHints(err)},
		}
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Order printed (%s: %s)", result.Method, result.Detail),
		Data: map[string]any{
			"method": result.Method,
			"detail": result.Detail,
			"device": result.Device,
		},
	}
}

// handlePrinter handles printer commands
// Usage: printer list | rename <id> <name>
func (e *Executor) handlePrinter(args []string) *Result {
	if len(args) == 0 {
		return failure("usage: printer <list|rename>")
	}

	switch args[0] {
	case "list":
		printers := e.printers.Last()
		return &Result{
			Success: true,
			Message: fmt.Sprintf("Found %d printer(s)", len(printers)),
			Data:    map[string]any{"printers": printerList(printers)},
		}

	case "rename":
		if len(args) < 3 {
			return failure("usage: printer rename <id> <name>")
		}
		printerID, name := args[1], args[2]
		if !e.printers.SetName(printerID, name) {
			return failure("printer not found: %s", printerID)
		}
		return &Result{
			Success: true,
			Message: fmt.Sprintf("Renamed printer %s to %s", printerID, name),
		}

	default:
		return failure("unknown printer subcommand: %s. Use: list, rename", args[0])
	}
}

// handleJob handles remote queue commands
// Usage: job list | show <id> | add <data-path> [type]
func (e *Executor) handleJob(args []string) *Result {
	if len(args) == 0 {
		return failure("usage: job <list|show|add>")
	}

	switch args[0] {
	case "list":
		entries, err := e.jobs.List()
		if err != nil {
			return failure("failed to list jobs: %v", err)
		}
		return &Result{
			Success: true,
			Message: fmt.Sprintf("Found %d job(s)", len(entries)),
			Data:    map[string]any{"jobs": entries},
		}

	case "show":
		if len(args) < 2 {
			return failure("usage: job show <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return failure("invalid job id: %s", args[1])
		}
		job, err := e.jobs.Peek(id)
		if err != nil {
			return failure("job not found: %d", id)
		}
		return &Result{
			Success: true,
			Data: map[string]any{
				"id":        job.ID,
				"type":      job.Type,
				"data":      job.Data,
				"timestamp": job.Timestamp,
			},
		}

	case "add":
		if len(args) < 2 {
			return failure("usage: job add <data-path> [type]")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return failure("failed to read job data: %v", err)
		}
		kind := ""
		if len(args) >= 3 {
			kind = args[2]
		}
		job, err := e.jobs.Enqueue(kind, data)
		if err != nil {
			return failure("failed to queue job: %v", err)
		}
		return &Result{
			Success: true,
			Message: fmt.Sprintf("Print job queued: %d", job.ID),
			Data:    map[string]any{"job_id": job.ID},
		}

	default:
		return failure("unknown job subcommand: %s. Use: list, show, add", args[0])
	}
}

// handleDetect rescans for printers
func (e *Executor) handleDetect(ctx context.Context) *Result {
	printers, err := e.printers.Detect(ctx)
	if err != nil {
		return failure("detection failed: %v", err)
	}
	return &Result{
		Success: true,
		Message: fmt.Sprintf("Detected %d printer(s)", len(printers)),
		Data: map[string]any{
			"count":    len(printers),
			"printers": printerList(printers),
		},
	}
}

// handleStatus summarizes the printers and the remote queue. The last
// detection is reused when there is one.
func (e *Executor) handleStatus(ctx context.Context) *Result {
	printers := e.printers.Last()
	if len(printers) == 0 {
		var err error
		if printers, err = e.printers.Detect(ctx); err != nil {
			return failure("detection failed: %v", err)
		}
	}

	hardware := 0
	defaultName := ""
	for _, d := range printers {
		if d.Kind.IsHardware() {
			hardware++
		}
		if d.Default && defaultName == "" {
			defaultName = d.DisplayName()
		}
	}

	jobs, err := e.jobs.List()
	if err != nil {
		return failure("failed to list jobs: %v", err)
	}

	return &Result{
		Success: true,
		Message: fmt.Sprintf("%d printer(s), %d hardware, %d queued job(s)", len(printers), hardware, len(jobs)),
		Data: map[string]any{
			"detected_count": len(printers),
			"hardware_count": hardware,
			"default_name":   defaultName,
			"queued_jobs":    len(jobs),
		},
	}
}

func (e *Executor) handleHelp() *Result {
	helpText := `Available Commands:

  print <order-path|order-url>
    Print an order JSON file through the hardware / spooler / browser chain

  print --text <text> [--id <order-id>]
    Print a plain text order

  printer list
    List printers from the last detection

  printer rename <id> <name>
    Set a custom name for a printer

  job list
    List jobs in the remote print queue

  job show <id>
    Show a queued job without starting its deletion timer

  job add <data-path> [type]
    Queue a job for a remote agent

  detect
    Scan for printers

  status
    Summarize printers and queued jobs

  help
    Show this help message

Examples:
  print ./order.json
  print --text "2x Pastel de nata" --id 1042
  printer rename a1b2c3 "Kitchen Printer"
  job show 1714586400000
`

	return &Result{
		Success: true,
		Message: helpText,
	}
}

func printerList(printers []printer.Descriptor) []map[string]any {
	list := make([]map[string]any, len(printers))
	for i, p := range printers {
		list[i] = map[string]any{
			"id":          p.ID,
			"kind":        p.Kind,
			"description": p.Description,
			"name":        p.DisplayName(),
			"default":     p.Default,
		}
		if p.Address != "" {
			list[i]["address"] = p.Address
		}
	}
	return list
}

// loadOrder reads an order from a file path or an http(s) URL
func loadOrder(ctx context.Context, pathOrURL string) ([]byte, error) {
	if !strings.HasPrefix(pathOrURL, "http://") && !strings.HasPrefix(pathOrURL, "https://") {
		data, err := os.ReadFile(pathOrURL)
		return data, errors.Wrap(err, "read order file")
	}

	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pathOrURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build order request")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch order")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("fetch order: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	return data, errors.Wrap(err, "read order")
}
