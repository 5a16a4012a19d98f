package triage

import (
	"context"
	"log/slog"
	"testing"

	"github.com/inboxd/inboxd/internal/mailbox"
	"github.com/inboxd/inboxd/internal/store"
	"github.com/stretchr/testify/require"
)

// shCmd wraps a shell snippet into an argv the bridge can run.
func shCmd(script string) []string {
	return []string{"sh", "-c", script}
}

func TestExecBridgeClassify(t *testing.T) {
	t.Parallel()

	bridge := &ExecBridge{
		ClassifyCmd: shCmd(
			`cat >/dev/null; echo '{"label_key":"needs_response"}'`,
		),
		Log: slog.Default(),
	}

	c, err := bridge.Classify(context.Background(), mailbox.Message{
		From:    "alice@example.com",
		Subject: "quick question",
	})
	require.NoError(t, err)
	require.Equal(t, store.LabelKeyNeedsResponse, c.LabelKey)
	require.True(t, c.NeedsResponse())
}

func TestExecBridgeClassifyRejectsUnknownBucket(t *testing.T) {
	t.Parallel()

	bridge := &ExecBridge{
		ClassifyCmd: shCmd(
			`cat >/dev/null; echo '{"label_key":"urgent"}'`,
		),
		Log: slog.Default(),
	}

	_, err := bridge.Classify(context.Background(), mailbox.Message{})
	require.ErrorContains(t, err, "unknown label key")
}

func TestExecBridgeClassifySurfacesStderr(t *testing.T) {
	t.Parallel()

	bridge := &ExecBridge{
		ClassifyCmd: shCmd(
			`cat >/dev/null; echo "model unavailable" >&2; exit 1`,
		),
		Log: slog.Default(),
	}

	_, err := bridge.Classify(context.Background(), mailbox.Message{})
	require.ErrorContains(t, err, "model unavailable")
}

func TestExecBridgeDraftRoundTrip(t *testing.T) {
	t.Parallel()

	bridge := &ExecBridge{
		// Echo the request mode back as the draft body.
		DraftCmd: shCmd(
			`mode=$(sed 's/.*"mode":"\([a-z]*\)".*/\1/'); ` +
				`printf '{"body":"generated in %s mode"}' "$mode"`,
		),
		Log: slog.Default(),
	}

	thread := mailbox.Thread{
		ID: "thread-1",
		Messages: []mailbox.Message{
			{From: "alice@example.com", Body: "hello"},
		},
	}

	body, err := bridge.Generate(context.Background(), thread, "")
	require.NoError(t, err)
	require.Equal(t, "generated in draft mode", body)

	body, err = bridge.Rework(
		context.Background(), thread, "old body", "shorter please",
	)
	require.NoError(t, err)
	require.Equal(t, "generated in rework mode", body)
}

func TestExecBridgeDraftRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	bridge := &ExecBridge{
		DraftCmd: shCmd(`cat >/dev/null; echo '{"body":"  "}'`),
		Log:      slog.Default(),
	}

	_, err := bridge.Generate(
		context.Background(), mailbox.Thread{}, "",
	)
	require.ErrorContains(t, err, "empty body")
}

func TestExecBridgeAgentRun(t *testing.T) {
	t.Parallel()

	bridge := &ExecBridge{
		AgentCmd: shCmd(
			`cat >/dev/null; ` +
				`echo '{"summary":"filed invoice","archive":true}'`,
		),
		Log: slog.Default(),
	}

	outcome, err := bridge.Run(
		context.Background(), "invoices", mailbox.Message{
			From: "billing@vendor.example",
		},
	)
	require.NoError(t, err)
	require.Equal(t, "filed invoice", outcome.Summary)
	require.True(t, outcome.Archive)
}

func TestExecBridgeUnconfiguredCommands(t *testing.T) {
	t.Parallel()

	bridge := &ExecBridge{Log: slog.Default()}
	ctx := context.Background()

	_, err := bridge.Classify(ctx, mailbox.Message{})
	require.ErrorContains(t, err, "no classify command")

	_, err = bridge.Generate(ctx, mailbox.Thread{}, "")
	require.ErrorContains(t, err, "no draft command")

	_, err = bridge.Run(ctx, "rule", mailbox.Message{})
	require.ErrorContains(t, err, "no agent command")
}

func TestExecBridgeInvalidJSONResponse(t *testing.T) {
	t.Parallel()

	bridge := &ExecBridge{
		ClassifyCmd: shCmd(`cat >/dev/null; echo "not json"`),
		Log:         slog.Default(),
	}

	_, err := bridge.Classify(context.Background(), mailbox.Message{})
	require.ErrorContains(t, err, "invalid response")
}
