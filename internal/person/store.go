// Package person manages per-person knowledge profiles used to tailor
// appointment-extraction prompts: confirmed facts, recurring activities,
// extraction hints learned from feedback, and an uncertain-observation
// ring buffer. Profiles live as one YAML file per person under a
// configured directory and are written atomically (rename-into-place).
package person

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// maxUncertain bounds the uncertain-observation ring buffer (spec §4.5).
const maxUncertain = 20

// Activity is a recurring pattern learned for a person (e.g. "Training"
// on Tuesdays at 17:00).
type Activity struct {
	Type        string   `yaml:"type"`
	Pattern     string   `yaml:"pattern,omitempty"` // e.g. "Tuesday 17:00"
	TerminLogic []string `yaml:"termin_logic,omitempty"`
}

// Person is one household member's knowledge profile.
type Person struct {
	Key         string              `yaml:"-"`
	Name        string              `yaml:"name"`
	Role        string              `yaml:"role,omitempty"`
	Aliases     []string            `yaml:"aliases,omitempty"`
	Facts       []string            `yaml:"facts,omitempty"`
	Activities  map[string]Activity `yaml:"activities,omitempty"`
	TerminHints []string            `yaml:"termin_hints,omitempty"`
	Uncertain   []string            `yaml:"uncertain,omitempty"`

	// Learned holds PersonLearner's scratch observations (weekday/time
	// buckets awaiting a 3rd confirming occurrence). It is never
	// rendered into prompts.
	Learned map[string][]string `yaml:"learned,omitempty"`
}

// Render formats the profile as a compact Markdown-ish fragment for
// inclusion in an LLM prompt. Keeps only the last 3 uncertain entries
// so profiles stay small (spec §4.2 step 7).
func (p Person) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&b, " (%s)", p.Role)
	}
	b.WriteString("\n")

	if len(p.Facts) > 0 {
		b.WriteString("Fakten:\n")
		for _, f := range p.Facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(p.Activities) > 0 {
		b.WriteString("Aktivitäten:\n")
		names := make([]string, 0, len(p.Activities))
		for name := range p.Activities {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a := p.Activities[name]
			fmt.Fprintf(&b, "- %s: %s\n", name, a.Pattern)
		}
	}
	if len(p.TerminHints) > 0 {
		b.WriteString("Hinweise:\n")
		for _, h := range p.TerminHints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if n := len(p.Uncertain); n > 0 {
		start := 0
		if n > 3 {
			start = n - 3
		}
		b.WriteString("Unsicher (unbestätigt):\n")
		for _, u := range p.Uncertain[start:] {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}
	return b.String()
}

// hasString reports whether s is already present in list (used for the
// append-only dedup discipline, matching the original's "if hint not in
// hinweise" checks before appending).
func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// removeString returns list with every occurrence of s removed.
func removeString(list []string, s string) []string {
	if !hasString(list, s) {
		return list
	}
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Store is the process-wide PersonStore singleton. It caches the
// parsed profiles in memory and reloads on demand.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	persons  map[string]*Person
	order    []string
	writeMus map[string]*sync.Mutex // per-profile write serialization
}

// NewStore creates a PersonStore rooted at dir. The directory is
// created if it does not exist.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		logger:   logger.With("component", "person_store"),
		persons:  make(map[string]*Person),
		writeMus: make(map[string]*sync.Mutex),
	}
	if _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads all profile files and returns an immutable snapshot.
// Idempotent — safe to call repeatedly; use Reload to force a re-read.
func (s *Store) Load() ([]*Person, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir: %w", err)
	}

	persons := make(map[string]*Person, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".yaml")
		p, err := s.readProfile(key)
		if err != nil {
			s.logger.Warn("skipping unreadable person profile", "key", key, "error", err)
			continue
		}
		persons[key] = p
		order = append(order, key)
	}
	sort.Strings(order)

	s.mu.Lock()
	s.persons = persons
	s.order = order
	s.mu.Unlock()

	return s.snapshot(), nil
}

// Reload invalidates the cache and re-reads every profile from disk.
func (s *Store) Reload() ([]*Person, error) {
	return s.Load()
}

func (s *Store) snapshot() []*Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Person, 0, len(s.order))
	for _, key := range s.order {
		cp := *s.persons[key]
		out = append(out, &cp)
	}
	return out
}

func (s *Store) readProfile(key string) (*Person, error) {
	path := filepath.Join(s.dir, key+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Person
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	p.Key = key
	return &p, nil
}

// Get returns one person by key, or nil if unknown.
func (s *Store) Get(key string) *Person {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[key]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

var wordBoundary = regexp.MustCompile(`\pL+`)

// Detect returns the subset of persons whose name or aliases appear
// (case-insensitively, word-boundary-respecting) in text or any of
// contextMessages (spec §4.2 step 3).
func (s *Store) Detect(text string, contextMessages []string) []*Person {
	haystack := strings.ToLower(text)
	for _, m := range contextMessages {
		haystack += " " + strings.ToLower(m)
	}
	tokens := make(map[string]bool)
	for _, tok := range wordBoundary.FindAllString(haystack, -1) {
		tokens[tok] = true
	}

	all := s.snapshot()
	var matched []*Person
	for _, p := range all {
		candidates := append([]string{p.Name}, p.Aliases...)
		for _, c := range candidates {
			if tokens[strings.ToLower(c)] {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched
}

// writeLockFor returns the per-profile mutex, creating it if absent.
func (s *Store) writeLockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.writeMus[key]
	if !ok {
		m = &sync.Mutex{}
		s.writeMus[key] = m
	}
	return m
}

// mutate applies fn to the current on-disk profile for key under the
// profile's write lock, then atomically rewrites the file and updates
// the in-memory cache. fn receives a pointer it may freely modify.
func (s *Store) mutate(key string, fn func(p *Person)) error {
	lock := s.writeLockFor(key)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.readProfile(key)
	if os.IsNotExist(err) {
		p = &Person{Key: key, Name: key}
	} else if err != nil {
		return fmt.Errorf("read profile for mutation: %w", err)
	}

	fn(p)

	if err := s.writeProfile(p); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}

	s.mu.Lock()
	s.persons[key] = p
	found := false
	for _, k := range s.order {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		s.order = append(s.order, key)
		sort.Strings(s.order)
	}
	s.mu.Unlock()

	return nil
}

// writeProfile serializes p and writes it atomically via a temp file
// plus rename, matching the teacher's rename-into-place discipline.
func (s *Store) writeProfile(p *Person) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, p.Key+".yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// AppendUncertain appends an unverified observation to key's Uncertain
// ring buffer, deduplicating and trimming to maxUncertain. Never moves
// anything into Facts — promotion requires an explicit caller decision.
func (s *Store) AppendUncertain(key, observation string) error {
	return s.mutate(key, func(p *Person) {
		if hasString(p.Uncertain, observation) || hasString(p.Facts, observation) {
			return
		}
		p.Uncertain = append(p.Uncertain, observation)
		if len(p.Uncertain) > maxUncertain {
			p.Uncertain = p.Uncertain[len(p.Uncertain)-maxUncertain:]
		}
	})
}

// AppendHint appends a termin extraction hint (learned from feedback
// or reflection), deduplicated against existing hints.
func (s *Store) AppendHint(key, hint string) error {
	return s.mutate(key, func(p *Person) {
		if hasString(p.TerminHints, hint) {
			return
		}
		p.TerminHints = append(p.TerminHints, hint)
	})
}

// AppendFact appends a confirmed fact. Facts are never removed by this
// store; corrections accumulate rather than overwrite. This is also the
// uncertain→fact promotion path (ApplyReflection routes through it), so
// the promoted string is dropped from Uncertain in the same mutation —
// the same string must never sit in both lists at once.
func (s *Store) AppendFact(key, fact string) error {
	return s.mutate(key, func(p *Person) {
		p.Uncertain = removeString(p.Uncertain, fact)
		if hasString(p.Facts, fact) {
			return
		}
		p.Facts = append(p.Facts, fact)
	})
}

// SetActivity upserts a recurring-activity entry for key.
func (s *Store) SetActivity(key, name string, activity Activity) error {
	return s.mutate(key, func(p *Person) {
		if p.Activities == nil {
			p.Activities = make(map[string]Activity)
		}
		p.Activities[name] = activity
	})
}

// Diff summarizes what ApplyFeedback/ApplyReflection actually changed,
// for logging and for FeedbackLoop's response to the caller.
type Diff struct {
	Key             string
	AddedFacts      []string
	AddedUncertain  []string
	AddedHints      []string
	AddedActivities []string
}

// ApplyFeedback translates a user correction into profile edits
// (spec §4.5): a correction supplied on a single feedback event is an
// unverified observation, so it is appended to Uncertain, never
// directly promoted to Facts. Unknown keys are not created — callers
// must detect the person before attributing feedback to them.
func (s *Store) ApplyFeedback(key, action, correction, reason string) (Diff, error) {
	diff := Diff{Key: key}
	if s.Get(key) == nil {
		return diff, fmt.Errorf("apply feedback: unknown person %q", key)
	}

	if correction != "" {
		if err := s.AppendUncertain(key, correction); err != nil {
			return diff, err
		}
		diff.AddedUncertain = append(diff.AddedUncertain, correction)
	}
	if reason != "" {
		hint := fmt.Sprintf("[Feedback %s] %s", action, reason)
		if err := s.AppendHint(key, hint); err != nil {
			return diff, err
		}
		diff.AddedHints = append(diff.AddedHints, hint)
	}
	return diff, nil
}

// ReflectionUpdate is ReflectionAgent's per-person update document
// (spec §4.10's {updates: {person_key: {...}}} schema).
type ReflectionUpdate struct {
	NewFacts        []string
	NewActivities   map[string]Activity
	NewTerminHints  []string
	ConfidenceNotes []string
}

// ApplyReflection applies a ReflectionAgent update document. It never
// invents persons (unknown keys are skipped, not created), never
// overwrites existing facts (AppendFact only appends, deduplicated),
// and never removes uncertain entries (ConfidenceNotes only appends,
// ring-buffer aging is AppendUncertain's job).
func (s *Store) ApplyReflection(updates map[string]ReflectionUpdate) (map[string]Diff, error) {
	diffs := make(map[string]Diff, len(updates))
	for key, u := range updates {
		if s.Get(key) == nil {
			s.logger.Warn("reflection update for unknown person skipped", "key", key)
			continue
		}
		diff := Diff{Key: key}

		for _, fact := range u.NewFacts {
			if err := s.AppendFact(key, fact); err != nil {
				return diffs, err
			}
			diff.AddedFacts = append(diff.AddedFacts, fact)
		}
		for name, activity := range u.NewActivities {
			if err := s.SetActivity(key, name, activity); err != nil {
				return diffs, err
			}
			diff.AddedActivities = append(diff.AddedActivities, name)
		}
		for _, hint := range u.NewTerminHints {
			if err := s.AppendHint(key, hint); err != nil {
				return diffs, err
			}
			diff.AddedHints = append(diff.AddedHints, hint)
		}
		for _, note := range u.ConfidenceNotes {
			if err := s.AppendUncertain(key, note); err != nil {
				return diffs, err
			}
			diff.AddedUncertain = append(diff.AddedUncertain, note)
		}
		diffs[key] = diff
	}
	return diffs, nil
}

// RecordLearned appends a scratch observation under a learner-owned
// bucket (e.g. "Training:Tuesday") used by PersonLearner to accumulate
// evidence before writing a confirmed TerminHint. Not prompt-visible.
func (s *Store) RecordLearned(key, bucket, observation string) ([]string, error) {
	var out []string
	err := s.mutate(key, func(p *Person) {
		if p.Learned == nil {
			p.Learned = make(map[string][]string)
		}
		p.Learned[bucket] = append(p.Learned[bucket], observation)
		out = append(out, p.Learned[bucket]...)
	})
	return out, err
}
