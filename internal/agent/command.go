package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ranacseruet/clawphone/internal/logging"
)

const (
	placeholderPrompt  = "{prompt}"
	placeholderSession = "{session}"
	placeholderChannel = "{channel}"

	stderrTail = 512
)

// CommandBackend runs an external program once per prompt and uses its
// stdout as the reply. The command line is split on whitespace; {prompt},
// {session} and {channel} are substituted in each argument, and the prompt is
// appended as the final argument when no argument mentions {prompt}.
type CommandBackend struct {
	command string
	env     map[string]string
	log     zerolog.Logger
}

func NewCommandBackend(command string, env map[string]string) *CommandBackend {
	return &CommandBackend{command: command, env: env, log: logging.Component("agent.command")}
}

func (b *CommandBackend) Name() string { return "command" }

func (b *CommandBackend) Reply(ctx context.Context, req Request) (string, error) {
	name, args, err := b.argv(req)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	// Give the process a moment to exit after cancellation before Wait stops
	// waiting on its output pipes.
	cmd.WaitDelay = 3 * time.Second

	cmd.Env = append(cmd.Env, envFromOS()...)
	cmd.Env = append(cmd.Env, envToList(b.env)...)
	cmd.Env = append(cmd.Env,
		"CLAWPHONE_SESSION="+req.SessionID,
		"CLAWPHONE_CALLER="+req.Caller,
		"CLAWPHONE_CHANNEL="+req.Channel,
	)

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = &stdout
	pr, pw := io.Pipe()
	cmd.Stderr = io.MultiWriter(stderr, pw)

	var streamed sync.WaitGroup
	streamed.Add(1)
	go func() {
		defer streamed.Done()
		b.stream(req.SessionID, pr)
	}()

	runErr := cmd.Run()
	_ = pw.Close()
	streamed.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", errors.Wrapf(ctxErr, "command %s", name)
	}
	if runErr != nil {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return "", errors.Wrapf(runErr, "command %s: %s", name, tail)
		}
		return "", errors.Wrapf(runErr, "command %s", name)
	}
	return parseOutput(stdout.Bytes()), nil
}

func (b *CommandBackend) argv(req Request) (string, []string, error) {
	parts := strings.Fields(b.command)
	if len(parts) == 0 {
		return "", nil, errors.New("agent command not configured")
	}
	r := strings.NewReplacer(
		placeholderPrompt, req.Prompt,
		placeholderSession, req.SessionID,
		placeholderChannel, req.Channel,
	)
	hasPrompt := false
	args := make([]string, 0, len(parts))
	for _, p := range parts[1:] {
		if strings.Contains(p, placeholderPrompt) {
			hasPrompt = true
		}
		args = append(args, r.Replace(p))
	}
	if !hasPrompt {
		args = append(args, req.Prompt)
	}
	return parts[0], args, nil
}

func (b *CommandBackend) stream(sessionID string, rdr io.Reader) {
	scanner := bufio.NewScanner(rdr)
	for scanner.Scan() {
		b.log.Debug().Str("session", sessionID).Str("stream", "stderr").Msg(scanner.Text())
	}
	// Keep draining so the writer never blocks on an oversized line.
	_, _ = io.Copy(io.Discard, rdr)
}

// parseOutput unwraps a JSON object carrying the reply in a "reply", "text" or
// "message" string field; anything else is used verbatim, trimmed.
func parseOutput(out []byte) string {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			for _, k := range []string{"reply", "text", "message"} {
				if s, ok := obj[k].(string); ok {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	return string(trimmed)
}

func envToList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func envFromOS() []string {
	base := os.Environ()
	out := make([]string, len(base))
	copy(out, base)
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
