package commands

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/taskorch/pkg/engine"
	"github.com/openfroyo/taskorch/pkg/protocol"
	"github.com/openfroyo/taskorch/pkg/task"
)

const eodSpecs = `specs:
  - id: EOD
    attributes:
      - name: cobDate
        argument: true
    subTasks:
      - id: LOAD
        attributes:
          - name: cobDate
            argument: true
        requires: [E1]
        route: ETL_SERVICE
      - id: PUBLISH
        attributes:
          - name: cobDate
            argument: true
        requires: [LOAD]
        route: REPORTING
`

const feedAdapter = `
def to_event(msg):
    if msg.get("publisher") != "LSE":
        return None
    return {"type": "E1", "id": msg["messageId"], "payload": {"cobDate": msg["cobDate"]}}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// decodeAll reads every protocol message of out, keyed by type.
func decodeAll(t *testing.T, out string) map[protocol.MessageType][]interface{} {
	t.Helper()
	got := map[protocol.MessageType][]interface{}{}
	dec := protocol.NewDecoder(strings.NewReader(out))
	for {
		msgType, body, err := dec.DecodeBody()
		if errors.Is(err, io.EOF) {
			return got
		}
		require.NoError(t, err)
		got[msgType] = append(got[msgType], body)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	specs := writeFile(t, dir, "eod.yaml", eodSpecs)

	out, err := run(t, "", "validate", specs)
	require.NoError(t, err)
	assert.Equal(t, "1 spec trees in 1 files are valid\n", out)

	broken := writeFile(t, dir, "broken.yaml", "specs:\n  - description: no id\n")
	out, err = run(t, "", "validate", broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation errors")
	assert.Contains(t, out, "broken.yaml")

	_, err = run(t, "", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no spec paths given")
}

func TestSpecsCommand(t *testing.T) {
	specs := writeFile(t, t.TempDir(), "eod.yaml", eodSpecs)

	out, err := run(t, "", "specs", specs)
	require.NoError(t, err)
	assert.Equal(t, `EOD [cobDate*]
  LOAD [cobDate*] requires E1 -> ETL_SERVICE
  PUBLISH [cobDate*] requires LOAD -> REPORTING
`, out)

	out, err = run(t, "", "specs", "--json", specs)
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "PUBLISH"`)
	assert.Contains(t, out, `"route": "REPORTING"`)
}

func TestEmitCommand(t *testing.T) {
	t.Run("event from flags", func(t *testing.T) {
		out, err := run(t, "", "emit", "--type", "E1", "--id", "ev-1", "--payload", "cobDate=20160101")
		require.NoError(t, err)

		msgs := decodeAll(t, out)
		require.Len(t, msgs[protocol.MessageTypeEvent], 1)
		assert.Equal(t, task.Event{
			ID:      "ev-1",
			Type:    "E1",
			Payload: map[string]interface{}{"cobDate": "20160101"},
		}, msgs[protocol.MessageTypeEvent][0])
	})

	t.Run("close", func(t *testing.T) {
		out, err := run(t, "", "emit", "--close", "LOAD-20160101", "--status", "FAILED")
		require.NoError(t, err)

		msgs := decodeAll(t, out)
		require.Len(t, msgs[protocol.MessageTypeClose], 1)
		assert.Equal(t, engine.CloseRequest{TaskID: "LOAD-20160101", Status: task.StatusFailed},
			msgs[protocol.MessageTypeClose][0])

		_, err = run(t, "", "emit", "--close", "LOAD-20160101", "--status", "DONE")
		require.Error(t, err)
	})

	t.Run("adapter", func(t *testing.T) {
		script := writeFile(t, t.TempDir(), "feed.star", feedAdapter)
		input := `{"publisher":"LSE","messageId":"m-1","cobDate":"20160101"}

{"publisher":"NYSE","messageId":"m-2","cobDate":"20160101"}
`
		out, err := run(t, input, "emit", "--adapter", script)
		require.NoError(t, err)

		msgs := decodeAll(t, out)
		require.Len(t, msgs[protocol.MessageTypeEvent], 1)
		ev := msgs[protocol.MessageTypeEvent][0].(task.Event)
		assert.Equal(t, "m-1", ev.ID)
		assert.Equal(t, "E1", ev.Type)
		assert.Equal(t, "20160101", ev.Payload["cobDate"])
	})

	t.Run("type required", func(t *testing.T) {
		_, err := run(t, "", "emit")
		require.Error(t, err)
	})
}

func TestServeCommand(t *testing.T) {
	specs := writeFile(t, t.TempDir(), "eod.yaml", eodSpecs)
	input := strings.Join([]string{
		`{"type":"EVENT","timestamp":"2016-01-01T18:00:00Z","data":{"eventId":"ev-1","eventType":"E1","payload":{"cobDate":"20160101"}}}`,
		`{"type":"EVENT","timestamp":"2016-01-01T18:00:01Z","data":{"eventId":"ev-2","eventType":"E9"}}`,
		`not a message`,
		`{"type":"CLOSE","timestamp":"2016-01-01T18:05:00Z","data":{"taskId":"LOAD-20160101"}}`,
	}, "\n")

	out, err := run(t, input, "serve", "--specs", specs)
	require.NoError(t, err)

	msgs := decodeAll(t, out)

	var routed []string
	for _, body := range msgs[protocol.MessageTypeTask] {
		rt := body.(engine.RoutedTask)
		routed = append(routed, rt.Route+":"+rt.Task.ID)
	}
	assert.ElementsMatch(t, []string{"ETL_SERVICE:LOAD-20160101", "REPORTING:PUBLISH-20160101"}, routed)

	require.Len(t, msgs[protocol.MessageTypeCloseReply], 1)
	reply := msgs[protocol.MessageTypeCloseReply][0].(engine.CloseReply)
	assert.True(t, reply.Success)
	assert.Equal(t, "LOAD-20160101", reply.TaskID)

	require.NotEmpty(t, msgs[protocol.MessageTypeUnroutable])
	var types []string
	for _, body := range msgs[protocol.MessageTypeUnroutable] {
		types = append(types, body.(engine.UnroutableEvent).Event.Type)
	}
	assert.Contains(t, types, "E9")
}

func TestServePersistsForInstancesAndReplay(t *testing.T) {
	dir := t.TempDir()
	specs := writeFile(t, dir, "eod.yaml", eodSpecs)
	db := filepath.Join(dir, "taskorch.db")
	input := strings.Join([]string{
		`{"type":"EVENT","timestamp":"2016-01-01T18:00:00Z","data":{"eventId":"ev-1","eventType":"E1","payload":{"cobDate":"20160101"}}}`,
		`{"type":"EVENT","timestamp":"2016-01-01T18:00:01Z","data":{"eventId":"ev-2","eventType":"E9"}}`,
	}, "\n")

	_, err := run(t, input, "serve", "--specs", specs, "--store", "sqlite", "--db", db)
	require.NoError(t, err)

	out, err := run(t, "", "instances", "--store", "sqlite", "--db", db, "--status", "PENDING")
	require.NoError(t, err)
	assert.Contains(t, out, "EOD-20160101")
	assert.Contains(t, out, "PENDING")

	out, err = run(t, "", "instances", "--store", "sqlite", "--db", db, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"id":"EOD-20160101"`)

	out, err = run(t, "", "instances", "--store", "sqlite", "--db", db, "--audit", "LOAD-20160101")
	require.NoError(t, err)
	assert.Contains(t, out, "SCHEDULED")

	_, err = run(t, "", "instances", "--store", "sqlite", "--db", db, "--status", "DONE")
	require.Error(t, err)

	out, err = run(t, "", "replay", "--store", "sqlite", "--db", db, "--delete")
	require.NoError(t, err)
	msgs := decodeAll(t, out)
	require.Len(t, msgs[protocol.MessageTypeEvent], 1)
	assert.Equal(t, "E9", msgs[protocol.MessageTypeEvent][0].(task.Event).Type)

	out, err = run(t, "", "replay", "--store", "sqlite", "--db", db)
	require.NoError(t, err)
	assert.Empty(t, out)
}
