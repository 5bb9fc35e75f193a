package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/taskorch/pkg/adapter"
	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/protocol"
	"github.com/openfroyo/taskorch/pkg/task"
)

func newEmitCommand() *cobra.Command {
	var (
		eventType string
		eventID   string
		payload   map[string]string
		input     string
		closeID   string
		status    string
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Write protocol messages",
		Long: `Write NDJSON protocol messages for serve to consume.

By default one EVENT is built from --type, --id and --payload. With
--adapter each line of --input is a raw JSON message converted to an event
by the Starlark adapter scripts; messages no adapter accepts are skipped.
With --close a CLOSE message for the task is written instead.`,
		Example: `  # An end of day trigger
  taskorch emit --type E1 --payload cobDate=20160101

  # Convert feed notifications
  taskorch emit --adapter feeds.star --input notifications.ndjson

  # Report a task as failed
  taskorch emit --close LOAD-20160101 --status FAILED`,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := protocol.NewEncoder(cmd.OutOrStdout())

			if closeID != "" {
				req := engine.CloseRequest{TaskID: closeID, Status: task.Status(status)}
				if req.Status != "" {
					if err := req.Status.Validate(); err != nil {
						return err
					}
				}
				return enc.EncodeBody(req)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if len(cfg.Adapters.Scripts) > 0 {
				tel, err := loadTelemetry(cmd, cfg)
				if err != nil {
					return err
				}
				chain, err := adapter.LoadChain(cfg.Adapters.Scripts, cfg.Adapters.Timeout, tel.Logger.Zerolog())
				if err != nil {
					return err
				}
				r, closeInput, err := openInput(cmd, input)
				if err != nil {
					return err
				}
				defer closeInput()
				return emitAdapted(cmd, chain, r, enc)
			}

			if eventType == "" {
				return fmt.Errorf("--type is required without --adapter or --close")
			}
			var values map[string]interface{}
			if len(payload) > 0 {
				values = make(map[string]interface{}, len(payload))
				for k, v := range payload {
					values[k] = v
				}
			}
			ev := task.NewEvent(eventType, values)
			if eventID != "" {
				ev.ID = eventID
			}
			return enc.EncodeBody(ev)
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&eventID, "id", "", "event id (generated when empty)")
	cmd.Flags().StringToStringVar(&payload, "payload", nil, "payload entries as key=value")
	cmd.Flags().StringVar(&input, "input", "-", "raw messages for --adapter, - for stdin")
	cmd.Flags().StringVar(&closeID, "close", "", "write a CLOSE message for this task id")
	cmd.Flags().StringVar(&status, "status", "", "close status (COMPLETED or FAILED)")

	return cmd
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func emitAdapted(cmd *cobra.Command, chain adapter.Chain, r io.Reader, enc *protocol.Encoder) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		ev, err := adaptLine(cmd.Context(), chain, scanner.Bytes())
		if errors.Is(err, adapter.ErrSkipped) {
			continue
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := enc.EncodeBody(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}
