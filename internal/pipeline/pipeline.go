// Package pipeline wires the per-message extraction chain described by
// spec §4's data flow: DateGate -> ContextAssembler -> LLMCascade ->
// ExtractionValidator -> AppointmentStore, fanning out on success to
// CalendarSink, MemoryClient.Memorize, and PersonLearner.LearnFromExtraction.
// It implements ingest.Pipeline so IngestBridge can hand it messages
// directly; nothing else in the repo calls into cascade/validator
// except through here.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/radarcore/termind/internal/appointment"
	"github.com/radarcore/termind/internal/calendar"
	"github.com/radarcore/termind/internal/cascade"
	"github.com/radarcore/termind/internal/dategate"
	"github.com/radarcore/termind/internal/memoryclient"
	"github.com/radarcore/termind/internal/person"
	"github.com/radarcore/termind/internal/personlearner"
	"github.com/radarcore/termind/internal/promptctx"
	"github.com/radarcore/termind/internal/prompts"
	"github.com/radarcore/termind/internal/store"
	"github.com/radarcore/termind/internal/validator"
)

// CalendarSink is the narrow calendar dependency this package needs;
// matched structurally against *calendar.Sink so a nil value (no
// calendar configured) can be passed without the package depending on
// the concrete type's constructor succeeding at startup.
type CalendarSink interface {
	Write(ctx context.Context, a store.Appointment, participantNames []string) (string, error)
	Update(ctx context.Context, a store.Appointment, participantNames []string) error
}

var _ CalendarSink = (*calendar.Sink)(nil)

// PersonLearner is the narrow personlearner dependency.
type PersonLearner interface {
	LearnFromExtraction(title string, when time.Time)
}

var _ PersonLearner = (*personlearner.Learner)(nil)

// Pipeline holds every stage of the extraction chain.
type Pipeline struct {
	db        *store.Store
	assembler *promptctx.Assembler
	cascade   *cascade.Cascade
	validator *validator.Validator
	appts     *appointment.Store
	persons   *person.Store
	calendar  CalendarSink
	memory    *memoryclient.Client
	learner   PersonLearner
	windowSize int
	logger    *slog.Logger
}

// Config bundles the pieces New needs beyond the already-constructed
// collaborators, mirroring spec §6's tunables.
type Config struct {
	ConversationWindowSize int
}

// New wires a Pipeline. calendar, memory, and learner may be nil, in
// which case those side effects are skipped.
func New(db *store.Store, assembler *promptctx.Assembler, cas *cascade.Cascade, val *validator.Validator,
	appts *appointment.Store, persons *person.Store, cal CalendarSink, mem *memoryclient.Client,
	learner PersonLearner, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	windowSize := cfg.ConversationWindowSize
	if windowSize <= 0 {
		windowSize = 10
	}
	return &Pipeline{
		db: db, assembler: assembler, cascade: cas, validator: val,
		appts: appts, persons: persons, calendar: cal, memory: mem, learner: learner,
		windowSize: windowSize,
		logger:     logger.With("component", "pipeline"),
	}
}

// Handle runs one ingested message through the full chain. It never
// raises: every stage failure is logged and handling stops for that
// message, matching the cascade's own "never raise" contract.
func (p *Pipeline) Handle(ctx context.Context, msg store.Message) {
	window, err := p.db.RecentMessages(msg.ChatID, msg.Timestamp, p.windowSize)
	if err != nil {
		p.logger.Error("load recent messages for date gate failed", "chat_id", msg.ChatID, "error", err)
		return
	}
	windowTexts := make([]string, len(window))
	for i, m := range window {
		windowTexts[i] = m.Text
	}

	if !dategate.Pass(msg.Text, windowTexts) {
		p.logger.Debug("date gate rejected message", "chat_id", msg.ChatID, "message_id", msg.ID)
		return
	}

	promptCtx := p.assembler.Assemble(ctx, msg.ChatID, msg.Text, msg.Timestamp)

	systemPrompt := prompts.ExtractionSystemPrompt()
	userPrompt := prompts.ExtractionUserPrompt(promptCtx, msg.Text)
	resp := p.cascade.Extract(ctx, systemPrompt, userPrompt)
	if len(resp.Actions) == 0 {
		return
	}

	zone := time.UTC
	if promptCtx.Zone != "" {
		if loc, err := time.LoadLocation(promptCtx.Zone); err == nil {
			zone = loc
		}
	}

	candidates := p.validator.Validate(resp.Actions, validator.Input{
		ChatID:               msg.ChatID,
		MessageID:            msg.ID,
		MessageTimestamp:     msg.Timestamp,
		Zone:                 zone,
		DetectedPersons:      promptCtx.Persons,
		ExistingAppointments: promptCtx.ExistingAppointments,
	})

	for _, c := range candidates {
		p.applyCandidate(ctx, msg, c)
	}

	if p.memory != nil {
		p.memory.Memorize(msg.ChatID, msg.Sender, msg.Text, msg.Timestamp)
	}
}

// applyCandidate persists one validated candidate and fans out the
// resulting side effects.
func (p *Pipeline) applyCandidate(ctx context.Context, msg store.Message, c validator.Candidate) {
	switch c.Action {
	case "cancel":
		if c.UpdatesTerminID == "" {
			return
		}
		if err := p.appts.Cancel(c.UpdatesTerminID); err != nil {
			p.logger.Warn("cancel appointment failed", "termin_id", c.UpdatesTerminID, "error", err)
			return
		}
		return
	case "update":
		if c.UpdatesTerminID == "" {
			return
		}
		updated, err := p.appts.ApplyUpdate(c.UpdatesTerminID, func(a *store.Appointment) {
			mergeUpdate(a, c.Appointment)
		})
		if err != nil {
			p.logger.Warn("apply update failed", "termin_id", c.UpdatesTerminID, "error", err)
			return
		}
		if p.calendar != nil && updated != nil {
			if err := p.calendar.Update(ctx, *updated, p.participantNames(updated)); err != nil {
				p.logger.Warn("calendar update failed", "termin_id", updated.ID, "error", err)
			}
		}
		return
	}

	a := c.Appointment
	a.ChatID = msg.ChatID

	id, rewroteToUpdate, suppressed, err := p.appts.CreateWithDedup(ctx, a)
	if err != nil {
		p.logger.Error("create appointment failed", "chat_id", msg.ChatID, "error", err)
		return
	}
	if suppressed {
		p.logger.Debug("duplicate appointment suppressed", "chat_id", msg.ChatID, "title", a.Title)
		return
	}
	if rewroteToUpdate != "" {
		if _, err := p.appts.ApplyUpdate(rewroteToUpdate, func(existing *store.Appointment) {
			mergeUpdate(existing, a)
		}); err != nil {
			p.logger.Warn("rewrite-to-update failed", "termin_id", rewroteToUpdate, "error", err)
		}
		id = rewroteToUpdate
	}

	created, err := p.appts.Get(id)
	if err != nil || created == nil {
		p.logger.Warn("reload created appointment failed", "id", id, "error", err)
		return
	}

	if p.calendar != nil {
		uid, err := p.calendar.Write(ctx, *created, p.participantNames(created))
		if err != nil {
			p.logger.Warn("calendar write failed", "id", created.ID, "error", err)
		} else if uid != "" {
			_, _ = p.appts.ApplyUpdate(created.ID, func(a *store.Appointment) { a.CalendarUID = uid })
		}
	}

	if p.learner != nil {
		when := msg.Timestamp
		if created.DateTime != nil {
			when = *created.DateTime
		}
		p.learner.LearnFromExtraction(created.Title, when)
	}
}

// mergeUpdate copies the non-zero fields of src onto dst, leaving
// fields the new action didn't mention untouched.
func mergeUpdate(dst *store.Appointment, src store.Appointment) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.DateTime != nil {
		dst.DateTime = src.DateTime
		dst.AllDay = false
		dst.Date = ""
	}
	if src.EndDateTime != nil {
		dst.EndDateTime = src.EndDateTime
	}
	if src.AllDay && src.Date != "" {
		dst.AllDay = true
		dst.Date = src.Date
		dst.DateTime = nil
	}
	if len(src.Participants) > 0 {
		dst.Participants = src.Participants
	}
	if src.Category != "" {
		dst.Category = src.Category
	}
	if src.Relevance != "" {
		dst.Relevance = src.Relevance
	}
	dst.SourceMessageIDs = append(dst.SourceMessageIDs, src.SourceMessageIDs...)
	if src.Reasoning != "" {
		dst.Reasoning = dst.Reasoning + " | " + src.Reasoning
	}
}

func (p *Pipeline) participantNames(a *store.Appointment) []string {
	if p.persons == nil {
		return a.Participants
	}
	names := make([]string, 0, len(a.Participants))
	for _, key := range a.Participants {
		if person := p.persons.Get(key); person != nil {
			names = append(names, person.Name)
		} else {
			names = append(names, key)
		}
	}
	return names
}
