// Package reflection implements ReflectionAgent (spec §4.10): a
// periodic, low-frequency job that re-reads recent messages, person
// profiles, appointments, and feedback, and asks a high-capability LLM
// to propose gentle profile updates. It never invents persons, never
// overwrites facts, and never removes uncertain entries — it only ever
// calls into PersonStore's append-only mutators via ApplyReflection.
//
// Grounded on the teacher's periodic-job idiom (a ticker loop wrapping
// a single-cycle method) and on this repo's own internal/cascade for
// the resilient-JSON-parsing strategy, since both draw an LLM response
// out of free text that may or may not come back as clean JSON.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/radarcore/termind/internal/llm"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/prompts"
	"github.com/radarcore/termind/internal/store"
)

const (
	messageLookback     = 24 * time.Hour
	maxMessages         = 50
	appointmentLookback = 24 * time.Hour
	maxAppointments     = 50
	feedbackLookback    = 7 * 24 * time.Hour
	maxFeedback         = 50

	lockFileName = ".reflection.lock"
)

// Agent runs the periodic reflection cycle.
type Agent struct {
	db      *store.Store
	persons *person.Store
	client  llm.Client
	model   string
	timeout time.Duration

	interval time.Duration
	lock     *fileLock

	logger *slog.Logger
}

// Config controls scheduling and lock reclamation, sourced from
// config.ReflectionConfig.
type Config struct {
	IntervalMin int
	LockTTLMin  int
}

// New builds a reflection Agent. profileDir is the same directory
// PersonStore reads from — the lock file lives alongside the profiles
// it protects, since that's the directory every cooperating process is
// guaranteed to share (spec §5).
func New(db *store.Store, persons *person.Store, client llm.Client, model string, profileDir string, cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	interval := time.Duration(cfg.IntervalMin) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ttl := time.Duration(cfg.LockTTLMin) * time.Minute
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Agent{
		db:       db,
		persons:  persons,
		client:   client,
		model:    model,
		timeout:  60 * time.Second,
		interval: interval,
		lock:     newFileLock(filepath.Join(profileDir, lockFileName), ttl),
		logger:   logger.With("component", "reflection_agent"),
	}
}

// Run blocks, firing RunOnce on the configured interval until ctx is
// cancelled. Errors from a cycle are logged, never fatal — a missed
// cycle just waits for the next tick.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.Warn("reflection cycle failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single reflection cycle if this process can
// acquire the singleton lock; otherwise it returns immediately with no
// error (another process is already running one).
func (a *Agent) RunOnce(ctx context.Context) error {
	acquired, err := a.lock.tryAcquire()
	if err != nil {
		return fmt.Errorf("acquire reflection lock: %w", err)
	}
	if !acquired {
		a.logger.Debug("reflection cycle skipped, lock held elsewhere")
		return nil
	}
	defer func() {
		if err := a.lock.release(); err != nil {
			a.logger.Warn("failed to release reflection lock", "error", err)
		}
	}()

	now := time.Now().UTC()

	messages, err := a.db.MessagesSince(now.Add(-messageLookback), maxMessages)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}

	people, err := a.persons.Reload()
	if err != nil {
		return fmt.Errorf("load person profiles: %w", err)
	}
	rendered := make([]string, len(people))
	for i, p := range people {
		rendered[i] = p.Render()
	}

	appointments, err := a.db.AppointmentsSince(now.Add(-appointmentLookback), maxAppointments)
	if err != nil {
		return fmt.Errorf("load recent appointments: %w", err)
	}

	feedback, err := a.db.FeedbackSince(now.Add(-feedbackLookback), maxFeedback)
	if err != nil {
		return fmt.Errorf("load recent feedback: %w", err)
	}

	if len(messages) == 0 && len(appointments) == 0 && len(feedback) == 0 {
		a.logger.Debug("reflection cycle skipped, nothing new since last window")
		return nil
	}

	systemPrompt := prompts.ReflectionSystemPrompt()
	userPrompt := prompts.ReflectionUserPrompt(messages, rendered, appointments, feedback)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.client.Chat(callCtx, a.model, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}, nil)
	if err != nil {
		return fmt.Errorf("reflection llm call: %w", err)
	}
	if result == nil {
		return fmt.Errorf("reflection llm call returned no result")
	}

	resp, ok := parseReflection(result.Message.Content)
	if !ok {
		return fmt.Errorf("reflection response unparseable")
	}

	if len(resp.Meta.GapsIdentified) > 0 {
		a.logger.Info("reflection identified gaps", "gaps", resp.Meta.GapsIdentified)
	}

	updates := make(map[string]person.ReflectionUpdate, len(resp.Updates))
	for key, u := range resp.Updates {
		activities := make(map[string]person.Activity, len(u.NewActivities))
		for name, act := range u.NewActivities {
			activities[name] = person.Activity{Type: act.Type, Pattern: act.Pattern, TerminLogic: act.TerminLogic}
		}
		updates[key] = person.ReflectionUpdate{
			NewFacts:        u.NewFacts,
			NewActivities:   activities,
			NewTerminHints:  u.NewTerminHints,
			ConfidenceNotes: u.ConfidenceNotes,
		}
	}

	diffs, err := a.persons.ApplyReflection(updates)
	if err != nil {
		return fmt.Errorf("apply reflection updates: %w", err)
	}
	a.logger.Info("reflection cycle applied", "persons_updated", len(diffs))
	return nil
}

// reflectionResponse mirrors the strict schema from spec §4.10 step 5.
type reflectionResponse struct {
	Updates map[string]reflectionPersonUpdate `json:"updates"`
	Meta    struct {
		GapsIdentified []string `json:"gaps_identified"`
	} `json:"meta"`
}

type reflectionPersonUpdate struct {
	NewFacts        []string                `json:"new_facts"`
	NewActivities   map[string]activityWire `json:"new_activities"`
	NewTerminHints  []string                `json:"new_termin_hints"`
	ConfidenceNotes []string                `json:"confidence_notes"`
}

type activityWire struct {
	Type        string   `json:"type"`
	Pattern     string   `json:"pattern"`
	TerminLogic []string `json:"termin_logic"`
}

var reflectionFencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseReflection applies the same resilient-parsing ladder as
// internal/cascade's parseResponse (whole-body JSON, first balanced
// object, fenced block) but has no natural-language fallback — an
// unparseable reflection response has no safe partial interpretation,
// so the cycle is simply skipped and retried next interval.
func parseReflection(raw string) (reflectionResponse, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reflectionResponse{}, false
	}

	var resp reflectionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err == nil {
		return resp, true
	}
	if obj, ok := firstBalancedObject(raw); ok {
		if err := json.Unmarshal([]byte(obj), &resp); err == nil {
			return resp, true
		}
	}
	if m := reflectionFencedBlock.FindStringSubmatch(raw); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &resp); err == nil {
			return resp, true
		}
	}
	return reflectionResponse{}, false
}

// firstBalancedObject scans raw for the first top-level `{...}` object
// by tracking brace depth (ignoring braces inside quoted strings), so
// a response with trailing prose containing its own `{...}` yields
// only the first object instead of a greedy regex match spanning both.
func firstBalancedObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}
