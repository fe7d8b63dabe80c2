// Package command provides the operator command set behind POST /command
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thereceipt/order-print-agent/internal/dispatch"
	"github.com/thereceipt/order-print-agent/internal/order"
	"github.com/thereceipt/order-print-agent/internal/printer"
	"github.com/thereceipt/order-print-agent/internal/queue"
)

// JobHandler runs an order through the dispatch path
type JobHandler interface {
	HandleIncomingJob(ctx context.Context, o *order.Payload, source string) (dispatch.Result, error)
}

// Printers is the printer directory
type Printers interface {
	Detect(ctx context.Context) ([]printer.Descriptor, error)
	Last() []printer.Descriptor
	SetName(id, name string) bool
}

// Jobs is the remote print queue
type Jobs interface {
	Enqueue(kind string, data json.RawMessage) (*queue.Job, error)
	Peek(id int64) (*queue.Job, error)
	List() ([]queue.Entry, error)
}

// Executor executes commands
type Executor struct {
	handler  JobHandler
	printers Printers
	jobs     Jobs
}

// NewExecutor creates a new command executor
func NewExecutor(handler JobHandler, printers Printers, jobs Jobs) *Executor {
	return &Executor{
		handler:  handler,
		printers: printers,
		jobs:     jobs,
	}
}

// Result represents the result of executing a command
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func failure(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Execute executes a command string and returns a result
func (e *Executor) Execute(ctx context.Context, cmdStr string) *Result {
	parts := parseCommand(cmdStr)
	if len(parts) == 0 {
		return failure("empty command")
	}

	command := parts[0]
	args := parts[1:]

	switch command {
	case "print":
		return e.handlePrint(ctx, args)
	case "printer":
		return e.handlePrinter(args)
	case "job":
		return e.handleJob(args)
	case "detect":
		return e.handleDetect(ctx)
	case "status":
		return e.handleStatus(ctx)
	case "help":
		return e.handleHelp()
	default:
		return failure("unknown command: %s. Type 'help' for available commands", command)
	}
}

// parseCommand splits a command line on spaces, keeping quoted strings whole
func parseCommand(cmdStr string) []string {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return nil
	}

	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := byte(0)

	for i := 0; i < len(cmdStr); i++ {
		char := cmdStr[i]

		switch {
		case char == '"' || char == '\'':
			if !inQuotes {
				inQuotes = true
				quoteChar = char
			} else if char == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else {
				current.WriteByte(char)
			}
		case char == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(char)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
