package claude

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// NoMessagesPreview is the catalog preview for a session whose log file does
// not exist yet or carries no user message.
const NoMessagesPreview = "(No messages)"

const previewRunes = 100

// Metadata is what reconciliation derives from one session log file.
type Metadata struct {
	MessageCount        int
	TotalTokens         int
	FirstMessagePreview string
	LastMessageAt       time.Time
}

// Message is the canonical replay form of one user or assistant record.
type Message struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   []json.RawMessage `json:"content"`
	Timestamp int64             `json:"timestamp"` // epoch milliseconds
}

// logRecord is the superset of fields we read from a session log line. The
// agent CLI owns the format; everything here is optional.
type logRecord struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	ID        string          `json:"id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Cwd       string          `json:"cwd"`
	Usage     *usageBlock     `json:"usage"`
	Content   json.RawMessage `json:"content"`
	Message   *struct {
		Content json.RawMessage `json:"content"`
		Usage   *usageBlock     `json:"usage"`
	} `json:"message"`
}

type usageBlock struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u *usageBlock) total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Reconcile reads one session log file and derives its catalog metadata.
// A missing file yields zero metadata with the "(No messages)" preview;
// any other read error propagates.
func Reconcile(path string) (*Metadata, error) {
	meta := &Metadata{FirstMessagePreview: NoMessagesPreview}
	sawUser := false

	err := scanLog(path, func(rec *logRecord) {
		role := recordRole(rec)
		if role == "user" || role == "assistant" {
			meta.MessageCount++
		}
		if role == "assistant" {
			if rec.Usage != nil {
				meta.TotalTokens += rec.Usage.total()
			} else if rec.Message != nil {
				meta.TotalTokens += rec.Message.Usage.total()
			}
		}
		if role == "user" && !sawUser {
			sawUser = true
			if text := contentText(rec); text != "" {
				meta.FirstMessagePreview = truncateRunes(text, previewRunes)
			}
		}
		if ts, ok := recordTime(rec); ok {
			meta.LastMessageAt = ts
		}
	})
	if err != nil {
		if os.IsNotExist(err) {
			return &Metadata{FirstMessagePreview: NoMessagesPreview, LastMessageAt: time.Now()}, nil
		}
		return nil, err
	}

	if meta.LastMessageAt.IsZero() {
		meta.LastMessageAt = time.Now()
	}
	return meta, nil
}

// ReplayHistory reads one session log file and returns its user and assistant
// records in canonical form, in file order. A missing file replays empty.
func ReplayHistory(path string) ([]Message, error) {
	var msgs []Message

	err := scanLog(path, func(rec *logRecord) {
		role := recordRole(rec)
		if role != "user" && role != "assistant" {
			return
		}

		var tsMillis int64
		if ts, ok := recordTime(rec); ok {
			tsMillis = ts.UnixMilli()
		} else {
			tsMillis = time.Now().UnixMilli()
		}

		id := rec.ID
		if id == "" {
			id = fmt.Sprintf("%d-%s", tsMillis, role)
		}

		msgs = append(msgs, Message{
			ID:        id,
			Role:      role,
			Content:   contentBlocks(rec),
			Timestamp: tsMillis,
		})
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return msgs, nil
}

// CwdSample is one cwd observation from a session log record, with the
// record's timestamp when it carried one.
type CwdSample struct {
	Cwd string
	At  time.Time
}

// ReadCwds returns every cwd recorded in the log file, in file order with
// duplicates preserved. Used by the importer to recover a project's real path
// from its encoded directory name.
func ReadCwds(path string) ([]CwdSample, error) {
	var cwds []CwdSample
	err := scanLog(path, func(rec *logRecord) {
		if rec.Cwd == "" {
			return
		}
		sample := CwdSample{Cwd: rec.Cwd}
		if ts, ok := recordTime(rec); ok {
			sample.At = ts
		}
		cwds = append(cwds, sample)
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return cwds, nil
}

// scanLog walks a session log line by line, skipping lines that fail to parse.
func scanLog(path string, visit func(*logRecord)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		visit(&rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

func recordRole(rec *logRecord) string {
	if rec.Role != "" {
		return rec.Role
	}
	return rec.Type
}

// recordTime parses a record's timestamp, which may be an RFC3339 string or
// an epoch-milliseconds number.
func recordTime(rec *logRecord) (time.Time, bool) {
	if len(rec.Timestamp) == 0 {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(rec.Timestamp, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true
		}
		return time.Time{}, false
	}
	var millis int64
	if err := json.Unmarshal(rec.Timestamp, &millis); err == nil && millis > 0 {
		return time.UnixMilli(millis), true
	}
	return time.Time{}, false
}

// contentBlocks returns the record's content as an ordered block list. String
// content is wrapped as a single text block; anything else non-list is empty.
func contentBlocks(rec *logRecord) []json.RawMessage {
	raw := rec.Content
	if rec.Message != nil && len(rec.Message.Content) > 0 {
		raw = rec.Message.Content
	}
	if len(raw) == 0 {
		return nil
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		block, _ := json.Marshal(map[string]string{"type": "text", "text": s})
		return []json.RawMessage{block}
	}
	return nil
}

// contentText flattens a record's textual content: string content as-is,
// block lists as their text-block texts joined with single spaces.
func contentText(rec *logRecord) string {
	raw := rec.Content
	if rec.Message != nil && len(rec.Message.Content) > 0 {
		raw = rec.Message.Content
	}
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
