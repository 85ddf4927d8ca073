package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/radarcore/termind/internal/memoryclient"
	"github.com/radarcore/termind/internal/store"
)

// exportLine matches a WhatsApp-style export line, e.g.
// "[02.01.24, 18:05:11] Jana: Training faellt heute aus" — grounded on
// original_source/import_context.py's LINE_RE.
var exportLine = regexp.MustCompile(`^\[(\d{1,2}\.\d{1,2}\.\d{2,4}),\s+(\d{1,2}:\d{2}(?::\d{2})?)\]\s+([^:]+):\s*(.*)$`)

// skippableText mirrors import_context.py's SKIP_TEXTS: media placeholders
// and deletion notices a plain-text export leaves behind that carry no
// extractable content.
var skippableText = []string{
	"Bild weggelassen", "Video weggelassen", "Audio weggelassen",
	"Sticker weggelassen", "GIF weggelassen", "Dokument weggelassen",
	"Kontaktkarte ausgelassen", "<Medien ausgeschlossen>",
	"<Media omitted>", "Standort:", "Live-Standort",
	"Nachricht wurde geloescht", "Diese Nachricht wurde geloescht",
	"Du hast diese Nachricht geloescht",
}

// exportMessage is one parsed line (or a continuation of the previous
// line, for multi-line WhatsApp messages) before it becomes a
// store.Message.
type exportMessage struct {
	sender string
	text   string
	ts     time.Time
}

// conversationGapHours is the time gap that starts a new memorize chunk,
// matching import_context.py's GAP_HOURS.
const conversationGapHours = 2.0

// maxChunkMessages caps a single memorize call's size, matching
// import_context.py's MAX_CHUNK_MSGS.
const maxChunkMessages = 50

// runSeedMemory bootstraps memory and message history from a plain-text
// chat export (spec §6's "bootstrap command that seeds memory from a
// plain-text chat export"). Every parsed line is persisted as a
// store.Message (so ConversationWindow has history immediately), and
// messages are grouped into conversation chunks by time gap and handed
// to MemoryClient.Memorize one chunk at a time, the same batching
// import_context.py uses to avoid one memorize call per line.
func runSeedMemory(ctx context.Context, stdout, stderr io.Writer, configPath, chatID, exportPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	if !cfg.Memory.Enabled {
		return fmt.Errorf("memory.enabled is false in config; seed-memory has nothing to seed into")
	}

	zone, err := time.LoadLocation(cfg.Family.Timezone)
	if err != nil {
		zone = time.UTC
	}

	f, err := os.Open(exportPath)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()

	messages, err := parseExport(f, zone)
	if err != nil {
		return fmt.Errorf("parse export: %w", err)
	}
	if len(messages) == 0 {
		fmt.Fprintln(stdout, "no messages found in export")
		return nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "termind.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	for _, m := range messages {
		msg := store.Message{
			ID:        store.NewID(),
			ChatID:    chatID,
			Sender:    m.sender,
			Text:      m.text,
			Timestamp: m.ts.UTC(),
		}
		if err := db.InsertMessage(msg); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	mem := memoryclient.New(memoryclient.Config{
		BaseURL:        cfg.Memory.URL,
		RecallTimeout:  time.Duration(cfg.Memory.RecallTimeoutS) * time.Second,
		MemorizeWorker: cfg.Memory.MemorizeWorkers,
		QueueCap:       cfg.Memory.MemorizeQueueCap,
	}, logger)

	chunks := chunkConversations(messages)
	for _, chunk := range chunks {
		sender := dominantSender(chunk)
		text := chunkToText(chunk)
		mem.Memorize(chatID, sender, text, chunk[0].ts)
	}

	fmt.Fprintf(stdout, "seeded %d messages across %d chunks into chat %q (%d memorize tasks dropped)\n",
		len(messages), len(chunks), chatID, mem.Dropped())
	return nil
}

func parseExport(r io.Reader, zone *time.Location) ([]exportMessage, error) {
	var out []exportMessage
	var current *exportMessage

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.Trim(scanner.Text(), "\r\n")
		line = strings.Trim(line, "\u200e\ufeff")

		if m := exportLine.FindStringSubmatch(line); m != nil {
			if current != nil && !isSkippable(current.text) {
				out = append(out, *current)
			}
			dateStr, timeStr, sender, text := m[1], m[2], m[3], m[4]
			current = &exportMessage{
				sender: strings.TrimSpace(strings.Trim(sender, "‎")),
				text:   strings.TrimSpace(strings.Trim(text, "‎")),
				ts:     parseExportTimestamp(dateStr, timeStr, zone),
			}
			continue
		}
		if current != nil && line != "" {
			current.text += " " + line
		}
	}
	if current != nil && !isSkippable(current.text) {
		out = append(out, *current)
	}
	return out, scanner.Err()
}

func isSkippable(text string) bool {
	clean := strings.TrimSpace(strings.Trim(text, "‎"))
	if clean == "" {
		return true
	}
	for _, skip := range skippableText {
		if strings.HasPrefix(clean, skip) {
			return true
		}
	}
	return false
}

func parseExportTimestamp(dateStr, timeStr string, zone *time.Location) time.Time {
	dateFormats := []string{"2.1.06", "2.1.2006"}
	timeFormats := []string{"15:04:05", "15:04"}
	for _, df := range dateFormats {
		for _, tf := range timeFormats {
			if t, err := time.ParseInLocation(df+" "+tf, dateStr+" "+timeStr, zone); err == nil {
				return t
			}
		}
	}
	return time.Now().UTC()
}

// chunkConversations groups messages into conversation chunks by time
// gap, mirroring import_context.py's chunk_conversations.
func chunkConversations(messages []exportMessage) [][]exportMessage {
	var chunks [][]exportMessage
	var current []exportMessage

	for _, m := range messages {
		if len(current) > 0 {
			gapHours := m.ts.Sub(current[len(current)-1].ts).Hours()
			if gapHours > conversationGapHours || len(current) >= maxChunkMessages {
				chunks = append(chunks, current)
				current = nil
			}
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// chunkToText renders a chunk as readable "[timestamp] sender: text"
// lines, the same shape chunk_to_text produces.
func chunkToText(chunk []exportMessage) string {
	var b strings.Builder
	for i, m := range chunk {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s: %s", m.ts.Format("02.01.2006 15:04"), m.sender, m.text)
	}
	return b.String()
}

// dominantSender returns whichever sender wrote the most messages in
// the chunk, matching import_context.py's main_sender selection.
func dominantSender(chunk []exportMessage) string {
	counts := make(map[string]int, 2)
	for _, m := range chunk {
		counts[m.sender]++
	}
	best, bestCount := "", 0
	for sender, count := range counts {
		if count > bestCount {
			best, bestCount = sender, count
		}
	}
	return best
}
