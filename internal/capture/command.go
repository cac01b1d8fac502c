package capture

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExpandCommand substitutes {placeholder} variables into a command
// template and splits the result into argv.
func ExpandCommand(template string, vars map[string]string) ([]string, error) {
	expanded := template
	for key, value := range vars {
		expanded = strings.ReplaceAll(expanded, "{"+key+"}", value)
	}

	parser := shellwords.NewParser()
	args, err := parser.Parse(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command template is empty")
	}
	return args, nil
}
