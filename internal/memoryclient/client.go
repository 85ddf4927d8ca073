// Package memoryclient is the HTTP bridge to the external semantic-memory
// service (spec §4.6). It exposes Memorize (fire-and-forget, dispatched
// into a bounded worker pool) and Recall (synchronous, timeout-bounded).
// The client is deliberately resilient: if the memory service is down,
// the rest of the pipeline continues without context.
//
// Grounded on the original system's evermemos_client.go (memorize/recall
// operations, ConnectError tolerance, lightweight-retrieval data sources)
// and on httpkit's shared-transport/retry conventions.
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/radarcore/termind/internal/httpkit"
)

// MemoryContext is the recalled context for a given query.
type MemoryContext struct {
	Episodes    []Item `json:"episodes"`
	Profiles    []Item `json:"profiles"`
	Facts       []Item `json:"facts"`
	RawMemories []string
}

// Item is one recalled memory entry.
type Item struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Empty reports whether the context carries no recalled memories.
func (m MemoryContext) Empty() bool {
	return len(m.Episodes) == 0 && len(m.Profiles) == 0 && len(m.Facts) == 0 && len(m.RawMemories) == 0
}

// AsPromptBlock renders the recalled context as a <kontext_gedaechtnis>
// block for inclusion in an LLM prompt, capping each section the same
// way the original client does (5 profiles, 10 episodes, 10 facts).
func (m MemoryContext) AsPromptBlock() string {
	if m.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("<kontext_gedaechtnis>\n")

	if len(m.Profiles) > 0 {
		b.WriteString("## Personenprofile\n")
		for _, p := range cap5(m.Profiles) {
			fmt.Fprintf(&b, "- %s\n", p.Content)
		}
	}
	if len(m.Episodes) > 0 {
		b.WriteString("## Relevante Episoden\n")
		for _, e := range cap10(m.Episodes) {
			fmt.Fprintf(&b, "- [%s] %s\n", e.Timestamp, e.Content)
		}
	}
	if len(m.Facts) > 0 {
		b.WriteString("## Bekannte Fakten\n")
		for _, f := range cap10(m.Facts) {
			fmt.Fprintf(&b, "- %s\n", f.Content)
		}
	}
	b.WriteString("</kontext_gedaechtnis>")
	return b.String()
}

func cap5(items []Item) []Item  { return capN(items, 5) }
func cap10(items []Item) []Item { return capN(items, 10) }
func capN(items []Item, n int) []Item {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// Config configures the client.
type Config struct {
	BaseURL        string
	RecallTimeout  time.Duration
	MemorizeWorker int // number of goroutines draining the memorize queue
	QueueCap       int // max in-flight/queued memorize tasks before dropping
}

// Client is the semantic-memory service client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	queue   chan memorizeTask
	dropped int
	mu      sync.Mutex
}

type memorizeTask struct {
	chatID, sender, text string
	timestamp             time.Time
}

// New creates a Client and starts its memorize worker pool.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecallTimeout <= 0 {
		cfg.RecallTimeout = 3 * time.Second
	}
	if cfg.MemorizeWorker <= 0 {
		cfg.MemorizeWorker = 16
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 512
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "memory_client"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
			httpkit.WithRetry(1, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		queue: make(chan memorizeTask, cfg.QueueCap),
	}
	for i := 0; i < cfg.MemorizeWorker; i++ {
		go c.memorizeWorker()
	}
	return c
}

// Memorize dispatches a fire-and-forget store request into the worker
// pool. It never blocks the caller beyond the channel send; if the
// queue is saturated the task is dropped and a counter incremented.
func (c *Client) Memorize(chatID, sender, text string, timestamp time.Time) {
	if strings.TrimSpace(text) == "" {
		return
	}
	select {
	case c.queue <- memorizeTask{chatID: chatID, sender: sender, text: text, timestamp: timestamp}:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.logger.Warn("memorize queue saturated, dropping task", "chat_id", chatID)
	}
}

// Dropped returns the number of memorize tasks dropped due to queue
// saturation since startup.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Client) memorizeWorker() {
	for task := range c.queue {
		c.doMemorize(task)
	}
}

func (c *Client) doMemorize(task memorizeTask) {
	if c.cfg.BaseURL == "" {
		return
	}
	payload := map[string]any{
		"message_id":  fmt.Sprintf("%s_%s", task.chatID, task.timestamp.Format(time.RFC3339Nano)),
		"create_time": task.timestamp.Format(time.RFC3339),
		"sender":      task.sender,
		"content":     task.text,
		"group_id":    task.chatID,
		"scene":       "assistant",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Debug("marshal memorize payload failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v3/agentic/memorize", bytes.NewReader(body))
	if err != nil {
		c.logger.Debug("build memorize request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("memory service not reachable — continuing without memory storage", "error", err)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 400 {
		c.logger.Warn("memorize error (non-fatal)", "status", resp.StatusCode)
	}
}

// Recall fetches relevant context for query, scoped to chatID, with a
// hard timeout. Any error — including context down entirely — yields
// an empty MemoryContext rather than propagating.
func (c *Client) Recall(ctx context.Context, query, chatID string, topK int) MemoryContext {
	empty := MemoryContext{}
	if c.cfg.BaseURL == "" || strings.TrimSpace(query) == "" {
		return empty
	}
	if topK <= 0 {
		topK = 10
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RecallTimeout)
	defer cancel()

	episodes := c.retrieve(ctx, query, chatID, "episode", topK)
	profiles := c.retrieve(ctx, query, chatID, "profile", 5)
	facts := c.retrieve(ctx, query, chatID, "semantic_memory", 5)

	out := MemoryContext{Episodes: episodes, Profiles: profiles, Facts: facts}
	seen := make(map[string]bool)
	for _, group := range [][]Item{episodes, profiles, facts} {
		for _, item := range group {
			if item.Content != "" && !seen[item.Content] {
				seen[item.Content] = true
				out.RawMemories = append(out.RawMemories, item.Content)
			}
		}
	}
	return out
}

func (c *Client) retrieve(ctx context.Context, query, chatID, dataSource string, topK int) []Item {
	payload := map[string]any{
		"query":           query,
		"data_source":     dataSource,
		"retrieval_mode":  "rrf",
		"top_k":           topK,
		"memory_scope":    "all",
	}
	if chatID != "" {
		payload["group_id"] = chatID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v3/agentic/retrieve_lightweight", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode >= 400 {
		return nil
	}

	var parsed struct {
		Result struct {
			Memories []Item `json:"memories"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil
	}
	return parsed.Result.Memories
}

// Health reports reachability, bounded to 1s.
type HealthStatus struct {
	Connected bool
	LatencyMs int64
}

func (c *Client) Health(ctx context.Context) HealthStatus {
	if c.cfg.BaseURL == "" {
		return HealthStatus{}
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return HealthStatus{}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	return HealthStatus{Connected: resp.StatusCode < 400, LatencyMs: time.Since(start).Milliseconds()}
}
