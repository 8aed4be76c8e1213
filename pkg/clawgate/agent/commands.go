package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

type command struct {
	name string
	args []string
}

// parseCommand recognizes the slash commands answered without a provider
// call. Other "/..." text goes to the model.
func parseCommand(text string) (command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		// Telegram appends the bot name: /help@mybot
		name = name[:i]
	}
	switch name {
	case "help", "status", "model", "reset":
		return command{name: name, args: fields[1:]}, true
	}
	return command{}, false
}

func (l *Loop) runCommand(ctx context.Context, msg bus.InboundMessage, cmd command) Reply {
	key := msg.Key()
	logger := l.logger.With("session", key, "command", cmd.name)
	logger.Info("command received")

	if cmd.name == "help" {
		return Reply{Text: helpText, Outcome: CommandHandled}
	}

	sess, err := l.loadSession(key, msg)
	if err != nil {
		logger.Error("failed to load session", "error", err)
		return persistenceReply(err)
	}

	var text string
	var changed *store.Session
	switch cmd.name {
	case "status":
		text = l.statusText(sess)
	case "model":
		text, changed = l.modelCommand(sess, cmd.args)
	case "reset":
		changed = sess.Clone()
		changed.Turns = nil
		changed.UpdatedAt = l.now().UTC()
		text = "Conversation cleared."
	}

	if changed != nil {
		if err := l.sessions.Save(changed); err != nil {
			logger.Error("failed to save session", "error", err)
			return persistenceReply(err)
		}
	}
	return Reply{Text: text, Outcome: CommandHandled}
}

const helpText = `Commands:
/help                     Show this help
/status                   Show session, workspace and model
/model                    Show the model in use
/model <model>            Pin a model for this session
/model <provider> <model> Pin a provider and model
/model reset              Clear the pins
/reset                    Clear the conversation`

func (l *Loop) statusText(s *store.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", s.Key)
	fmt.Fprintf(&b, "Turns: %d\n", len(s.Turns))
	fmt.Fprintf(&b, "Workspace: %s\n", s.WorkspaceRoot)
	b.WriteString(l.modelLine(s))
	return b.String()
}

func (l *Loop) modelLine(s *store.Session) string {
	model := l.modelFor(s)
	p, err := l.router.Select(model, s.ProviderPin)
	if err != nil {
		return "Model: unavailable (" + err.Error() + ")"
	}
	if model == "" {
		model = p.DefaultModel
	}
	pinned := ""
	if s.ModelPin != "" || s.ProviderPin != "" {
		pinned = " (pinned)"
	}
	return fmt.Sprintf("Model: %s via %s%s", model, p.Name, pinned)
}

func (l *Loop) modelCommand(s *store.Session, args []string) (string, *store.Session) {
	switch len(args) {
	case 0:
		return l.modelLine(s), nil
	case 1:
		if strings.EqualFold(args[0], "reset") {
			c := s.Clone()
			c.ProviderPin, c.ModelPin = "", ""
			return "Model pins cleared. " + l.modelLine(c), c
		}
		return l.pin(s, "", args[0])
	case 2:
		return l.pin(s, args[0], args[1])
	}
	return "Usage: /model [<provider>] <model> | /model reset", nil
}

func (l *Loop) pin(s *store.Session, providerName, model string) (string, *store.Session) {
	p, err := l.router.Select(model, providerName)
	if err != nil {
		return "Cannot use that model: " + err.Error(), nil
	}
	c := s.Clone()
	c.ProviderPin, c.ModelPin = providerName, model
	return fmt.Sprintf("Model set to %s via %s.", model, p.Name), c
}
