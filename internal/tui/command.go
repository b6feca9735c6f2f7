package tui

import (
	"fmt"
	"strings"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':'). Aliases
// are resolved to their full name.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	if full, ok := aliases[cmd.Name]; ok {
		cmd.Name = full
	}
	return cmd
}

var aliases = map[string]string{
	"q":    "quit",
	"h":    "help",
	"o":    "open",
	"n":    "new",
	"dm":   "new",
	"r":    "refresh",
	"chat": "open",
}

// Validate reports missing or unexpected arguments.
func (c Command) Validate() error {
	switch c.Name {
	case "new", "open":
		if c.Args == "" {
			return fmt.Errorf(":%s needs an argument", c.Name)
		}
	case "quit", "help", "retry", "refresh":
		if c.Args != "" {
			return fmt.Errorf(":%s takes no arguments", c.Name)
		}
	case "":
		return fmt.Errorf("empty command")
	default:
		return fmt.Errorf("unknown command :%s", c.Name)
	}
	return nil
}
