package telegram

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/harun/plugd/pkg/plugin"
)

// Telegram accepts 1-32 lowercase letters, digits and underscores
var commandName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// CommandMenu collects the chat commands plugins contribute
type CommandMenu struct {
	commands map[string]tgbotapi.BotCommand
	owners   map[string]string
}

// NewCommandMenu creates an empty menu
func NewCommandMenu() *CommandMenu {
	return &CommandMenu{
		commands: make(map[string]tgbotapi.BotCommand),
		owners:   make(map[string]string),
	}
}

// Add registers a plugin's chat commands. A name already claimed by another
// plugin, or one Telegram would reject, is reported and skipped.
func (m *CommandMenu) Add(pluginID string, cmds []plugin.ChatCommand) []error {
	var errs []error
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.ToLower(c.Name), "/")
		if !commandName.MatchString(name) {
			errs = append(errs, fmt.Errorf("plugin %s: invalid chat command %q", pluginID, c.Name))
			continue
		}
		if owner, ok := m.owners[name]; ok && owner != pluginID {
			errs = append(errs, fmt.Errorf("plugin %s: chat command /%s already registered by %s", pluginID, name, owner))
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = "Provided by " + pluginID
		}
		m.commands[name] = tgbotapi.BotCommand{Command: name, Description: desc}
		m.owners[name] = pluginID
	}
	return errs
}

// Owner returns the plugin that registered name
func (m *CommandMenu) Owner(name string) (string, bool) {
	owner, ok := m.owners[strings.TrimPrefix(name, "/")]
	return owner, ok
}

// Commands returns the menu sorted by command name
func (m *CommandMenu) Commands() []tgbotapi.BotCommand {
	out := make([]tgbotapi.BotCommand, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Publish replaces the bot's command menu with m
func (b *Bot) Publish(m *CommandMenu) error {
	cmds := m.Commands()
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(cmds...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	b.logger.Info().Int("commands", len(cmds)).Msg("Command menu published")
	return nil
}
