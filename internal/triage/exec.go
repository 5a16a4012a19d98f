package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inboxd/inboxd/internal/mailbox"
	"github.com/inboxd/inboxd/internal/store"
)

// DefaultExecTimeout bounds a single external command invocation.
const DefaultExecTimeout = 2 * time.Minute

// ExecBridge implements Classifier, DraftGenerator and AgentRunner by
// shelling out to operator-configured commands. Each invocation writes a
// JSON request to the command's stdin and reads a JSON response from its
// stdout. The commands are the integration point for whatever model or
// script the operator wants to plug in.
type ExecBridge struct {
	// ClassifyCmd, DraftCmd and AgentCmd are argv-style command lines.
	// An empty command disables the corresponding capability.
	ClassifyCmd []string
	DraftCmd    []string
	AgentCmd    []string

	// Timeout bounds each invocation. Zero means DefaultExecTimeout.
	Timeout time.Duration

	Log *slog.Logger
}

// Compile time checks for the three triage ports.
var (
	_ Classifier     = (*ExecBridge)(nil)
	_ DraftGenerator = (*ExecBridge)(nil)
	_ AgentRunner    = (*ExecBridge)(nil)
)

// execMessage is the wire form of a message handed to a command.
type execMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Snippet string `json:"snippet"`
	Body    string `json:"body"`
}

func toExecMessage(msg mailbox.Message) execMessage {
	return execMessage{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Snippet: msg.Snippet,
		Body:    msg.Body,
	}
}

func toExecThread(thread mailbox.Thread) []execMessage {
	msgs := make([]execMessage, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		msgs = append(msgs, toExecMessage(msg))
	}
	return msgs
}

type classifyRequest struct {
	Message execMessage `json:"message"`
}

type classifyResponse struct {
	LabelKey string `json:"label_key"`
}

// Classify invokes the classifier command and validates its verdict.
func (b *ExecBridge) Classify(ctx context.Context,
	msg mailbox.Message) (Classification, error) {

	if len(b.ClassifyCmd) == 0 {
		return Classification{}, fmt.Errorf("no classify command " +
			"configured")
	}

	var resp classifyResponse
	req := classifyRequest{Message: toExecMessage(msg)}
	if err := b.run(ctx, b.ClassifyCmd, req, &resp); err != nil {
		return Classification{}, err
	}

	switch resp.LabelKey {
	case store.LabelKeyNeedsResponse, store.LabelKeyWaiting,
		store.LabelKeyNotes:

	default:
		return Classification{}, fmt.Errorf("classifier returned "+
			"unknown label key %q", resp.LabelKey)
	}

	return Classification{LabelKey: resp.LabelKey}, nil
}

type draftRequest struct {
	Mode         string        `json:"mode"`
	Thread       []execMessage `json:"thread"`
	Instruction  string        `json:"instruction,omitempty"`
	PreviousBody string        `json:"previous_body,omitempty"`
}

type draftResponse struct {
	Body string `json:"body"`
}

// Generate invokes the draft command to write a fresh reply.
func (b *ExecBridge) Generate(ctx context.Context, thread mailbox.Thread,
	instruction string) (string, error) {

	return b.draft(ctx, draftRequest{
		Mode:        "draft",
		Thread:      toExecThread(thread),
		Instruction: instruction,
	})
}

// Rework invokes the draft command to revise an existing reply.
func (b *ExecBridge) Rework(ctx context.Context, thread mailbox.Thread,
	previousBody, instruction string) (string, error) {

	return b.draft(ctx, draftRequest{
		Mode:         "rework",
		Thread:       toExecThread(thread),
		Instruction:  instruction,
		PreviousBody: previousBody,
	})
}

func (b *ExecBridge) draft(ctx context.Context,
	req draftRequest) (string, error) {

	if len(b.DraftCmd) == 0 {
		return "", fmt.Errorf("no draft command configured")
	}

	var resp draftResponse
	if err := b.run(ctx, b.DraftCmd, req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Body) == "" {
		return "", fmt.Errorf("draft command returned an empty body")
	}

	return resp.Body, nil
}

type agentRequest struct {
	RunID   string      `json:"run_id"`
	Rule    string      `json:"rule"`
	Message execMessage `json:"message"`
}

type agentResponse struct {
	Summary string `json:"summary"`
	Archive bool   `json:"archive"`
}

// Run invokes the agent command for a routed message. Each run gets a
// fresh id so the operator's command can correlate its own logs with the
// thread's event history.
func (b *ExecBridge) Run(ctx context.Context, ruleName string,
	msg mailbox.Message) (AgentOutcome, error) {

	if len(b.AgentCmd) == 0 {
		return AgentOutcome{}, fmt.Errorf("no agent command " +
			"configured")
	}

	runID := uuid.New().String()

	var resp agentResponse
	req := agentRequest{
		RunID:   runID,
		Rule:    ruleName,
		Message: toExecMessage(msg),
	}
	if err := b.run(ctx, b.AgentCmd, req, &resp); err != nil {
		return AgentOutcome{}, fmt.Errorf("agent run %s: %w",
			runID, err)
	}

	b.Log.InfoContext(ctx, "Agent run finished",
		"run_id", runID, "rule", ruleName, "archive", resp.Archive)

	return AgentOutcome{
		Summary: resp.Summary,
		Archive: resp.Archive,
	}, nil
}

// run executes one command with the request on stdin and decodes the
// response from stdout. The command's stderr is folded into the error on
// failure.
func (b *ExecBridge) run(ctx context.Context, argv []string, request,
	response any) error {

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return fmt.Errorf("%s: %s", argv[0], errMsg)
	}

	if err := json.Unmarshal(stdout.Bytes(), response); err != nil {
		return fmt.Errorf("%s: invalid response: %w", argv[0], err)
	}
	return nil
}
