package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"replicanet/server/logging"
)

const maxConsoleTargets = 8

type ConsoleSink struct {
	logger *log.Logger
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, cfg.Prefix, log.LstdFlags)}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	s.logger.Printf("[%s] frame=%d actor=%s severity=%s%s%s%s%s",
		event.Type, event.Tick, formatEntity(event.Actor), event.Severity, formatCategory(event.Category),
		formatTargets(event.Targets), formatPayload(event.Payload), formatExtra(event.Extra))
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return fmt.Sprintf("%s:%s", ref.Kind, ref.ID)
}

func formatCategory(category string) string {
	if category == "" {
		return ""
	}
	return " category=" + category
}

// formatTargets collapses long replica batches to a count.
func formatTargets(targets []logging.EntityRef) string {
	if len(targets) == 0 {
		return ""
	}
	if len(targets) > maxConsoleTargets {
		return fmt.Sprintf(" targets=%s,...(%d)", formatEntity(targets[0]), len(targets))
	}
	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		parts = append(parts, formatEntity(target))
	}
	return " targets=" + strings.Join(parts, ",")
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(" payload=%v", payload)
	}
	return fmt.Sprintf(" payload=%s", data)
}

func formatExtra(extra map[string]any) string {
	if len(extra) == 0 {
		return ""
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, extra[k])
	}
	return b.String()
}
