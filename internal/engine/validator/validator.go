// Package validator statically checks a script's declarative shape and
// yields the typed WorkflowConfig the engine runs from.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loomctl/loom/internal/engine/model"
	"github.com/loomctl/loom/internal/engine/schedule"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// topic names are dotted segments, e.g. "email.received".
var topicRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

// Validate checks a raw handler config and returns the parsed form.
func Validate(raw string) (*model.WorkflowConfig, error) {
	config, err := model.ParseWorkflowConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateConfig checks a parsed workflow config.
func ValidateConfig(config *model.WorkflowConfig) error {
	topics := make(map[string]bool, len(config.Topics))
	for _, topic := range config.Topics {
		if !topicRe.MatchString(topic) {
			return fmt.Errorf("invalid topic name %q", topic)
		}
		if topics[topic] {
			return fmt.Errorf("topic %q is declared twice", topic)
		}
		topics[topic] = true
	}

	if len(config.Producers) == 0 && len(config.Consumers) == 0 {
		return fmt.Errorf("workflow declares no handlers")
	}

	handlerNames := make(map[string]bool)
	for name, p := range config.Producers {
		if !nameRe.MatchString(name) {
			return fmt.Errorf("invalid producer name %q", name)
		}
		handlerNames[name] = true
		if _, _, err := schedule.FromConfig(p.Schedule); err != nil {
			return fmt.Errorf("producer %q: %w", name, err)
		}
		for _, topic := range p.Publishes {
			if !topics[topic] {
				return fmt.Errorf("producer %q publishes undeclared topic %q", name, topic)
			}
		}
	}

	for name, c := range config.Consumers {
		if !nameRe.MatchString(name) {
			return fmt.Errorf("invalid consumer name %q", name)
		}
		if handlerNames[name] {
			return fmt.Errorf("handler name %q is used by both a producer and a consumer", name)
		}
		if len(c.Subscribe) == 0 {
			return fmt.Errorf("consumer %q subscribes to no topics", name)
		}
		for _, topic := range c.Subscribe {
			if !topics[topic] {
				return fmt.Errorf("consumer %q subscribes to undeclared topic %q", name, topic)
			}
		}
		for _, topic := range c.Publishes {
			if !topics[topic] {
				return fmt.Errorf("consumer %q publishes undeclared topic %q", name, topic)
			}
		}
	}
	return nil
}

// ValidateScript checks the script source alongside its config. The source
// itself is evaluated only by the sandbox; here we check what can be known
// statically.
func ValidateScript(code string, config *model.WorkflowConfig) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("script source is empty")
	}
	return ValidateConfig(config)
}
