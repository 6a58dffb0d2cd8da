package chat

import (
	"sort"

	"github.com/classpeer/classpeer/internal/docstore"
)

// Message is one chat entry in a course channel.
type Message struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Name    string `json:"name"`
	Content string `json:"content"`
	SentAt  int64  `json:"sentAt"`
}

// decodeMessages extracts the messages map from a channel document. Malformed
// entries are dropped; decoding never fails.
func decodeMessages(doc docstore.Value) []Message {
	raw, ok := asMap(doc["messages"])
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(raw))
	for id, v := range raw {
		entry, ok := asMap(v)
		if ok {
			out = append(out, Message{
				ID:      id,
				From:    asString(entry["from"]),
				Name:    asString(entry["name"]),
				Content: asString(entry["content"]),
				SentAt:  asInt64(entry["sentAt"]),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt != out[j].SentAt {
			return out[i].SentAt < out[j].SentAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// decodeCursors extracts the per-participant lastRead timestamps.
func decodeCursors(doc docstore.Value) map[string]int64 {
	raw, ok := asMap(doc["lastRead"])
	if !ok {
		return map[string]int64{}
	}
	out := make(map[string]int64, len(raw))
	for id, v := range raw {
		out[id] = asInt64(v)
	}
	return out
}

// asMap accepts both shapes a nested field arrives in: docstore.Value from
// the in-process store, plain map[string]any from JSON decoding.
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case docstore.Value:
		return t, true
	default:
		return nil, false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}
