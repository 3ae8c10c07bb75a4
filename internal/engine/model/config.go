package model

import (
	"encoding/json"
	"fmt"
)

// WorkflowConfig is the parsed handler_config of a script: the declarative
// shape of a workflow's topics, producers and consumers.
type WorkflowConfig struct {
	Topics    []string                  `json:"topics"`
	Producers map[string]ProducerConfig `json:"producers"`
	Consumers map[string]ConsumerConfig `json:"consumers"`
}

// ProducerConfig declares one scheduled puller of external events.
type ProducerConfig struct {
	Schedule  ScheduleConfig `json:"schedule"`
	Publishes []string       `json:"publishes,omitempty"`
}

// ScheduleConfig carries exactly one of Interval or Cron.
type ScheduleConfig struct {
	Interval string `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
}

// ConsumerConfig declares one event handler.
type ConsumerConfig struct {
	Subscribe []string `json:"subscribe"`
	Publishes []string `json:"publishes,omitempty"`
	HasMutate bool     `json:"hasMutate"`
	HasNext   bool     `json:"hasNext"`
}

// ParseWorkflowConfig decodes a handler_config JSON blob.
func ParseWorkflowConfig(raw string) (*WorkflowConfig, error) {
	if raw == "" {
		return nil, fmt.Errorf("handler config is empty")
	}
	var cfg WorkflowConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse handler config: %w", err)
	}
	return &cfg, nil
}

// Encode serializes the config back to its stored JSON form.
func (c *WorkflowConfig) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode handler config: %w", err)
	}
	return string(data), nil
}

// DeclaresTopic reports whether topic appears in the workflow's topic list.
func (c *WorkflowConfig) DeclaresTopic(topic string) bool {
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// MayPublish reports whether the named handler is allowed to publish to
// topic. A handler with no publishes list may publish to any declared topic.
func (c *WorkflowConfig) MayPublish(handlerType HandlerType, name, topic string) bool {
	var publishes []string
	switch handlerType {
	case HandlerProducer:
		p, ok := c.Producers[name]
		if !ok {
			return false
		}
		publishes = p.Publishes
	case HandlerConsumer:
		cc, ok := c.Consumers[name]
		if !ok {
			return false
		}
		publishes = cc.Publishes
	default:
		return false
	}
	if publishes == nil {
		return c.DeclaresTopic(topic)
	}
	for _, t := range publishes {
		if t == topic {
			return true
		}
	}
	return false
}

// SubscribersOf returns the consumer names subscribed to topic, in no
// particular order.
func (c *WorkflowConfig) SubscribersOf(topic string) []string {
	var names []string
	for name, cc := range c.Consumers {
		for _, t := range cc.Subscribe {
			if t == topic {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

// Reservation is one topic's batch of message ids claimed by a consumer's
// prepare step.
type Reservation struct {
	Topic string   `json:"topic"`
	IDs   []string `json:"ids"`
}

// PrepareResult is the value a consumer's prepare function must return.
type PrepareResult struct {
	Reservations []Reservation   `json:"reservations"`
	Data         json.RawMessage `json:"data,omitempty"`
	UI           *PrepareUI      `json:"ui,omitempty"`
	WakeAt       string          `json:"wakeAt,omitempty"` // ISO-8601
}

// PrepareUI carries display hints surfaced alongside a prepared run.
type PrepareUI struct {
	Title string `json:"title,omitempty"`
}

// ParsePrepareResult decodes and shape-checks a prepare return value.
// Any deviation from the documented shape is a user logic error.
func ParsePrepareResult(raw []byte) (*PrepareResult, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("prepare must return an object: %w", err)
	}
	for key := range probe {
		switch key {
		case "reservations", "data", "ui", "wakeAt":
		default:
			return nil, fmt.Errorf("prepare returned unknown field %q", key)
		}
	}
	var pr PrepareResult
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("prepare returned a malformed result: %w", err)
	}
	if _, ok := probe["reservations"]; !ok {
		return nil, fmt.Errorf("prepare result is missing reservations")
	}
	for i, r := range pr.Reservations {
		if r.Topic == "" {
			return nil, fmt.Errorf("reservation %d has no topic", i)
		}
	}
	return &pr, nil
}

// TotalReservations counts the message ids across all topics.
func (p *PrepareResult) TotalReservations() int {
	n := 0
	for _, r := range p.Reservations {
		n += len(r.IDs)
	}
	return n
}
