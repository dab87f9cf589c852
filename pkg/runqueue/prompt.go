package runqueue

import (
	"strings"
	"unicode/utf8"
)

const textPreviewLimit = 500

// ExtractPrompt returns the first TextBlock text of a message, falling back to the
// stored text preview. ok is false when neither yields a prompt.
func ExtractPrompt(m *Message) (prompt string, ok bool) {
	if m == nil {
		return "", false
	}
	if blocks, isList := m.Content["content"].([]any); isList {
		for _, raw := range blocks {
			block, isMap := raw.(map[string]any)
			if !isMap {
				continue
			}
			kind, _ := block["_type"].(string)
			if !strings.Contains(kind, "TextBlock") {
				continue
			}
			if text, isText := block["text"].(string); isText {
				return text, true
			}
		}
	}
	if m.TextPreview != nil && *m.TextPreview != "" {
		return *m.TextPreview, true
	}
	return "", false
}

// UserMessageContent builds the structured payload stored for a submitted prompt.
func UserMessageContent(prompt string) map[string]any {
	return map[string]any{
		"_type": "UserMessage",
		"content": []any{
			map[string]any{"_type": "TextBlock", "text": prompt},
		},
	}
}

// TextPreview truncates s to the preview length on a rune boundary.
func TextPreview(s string) string {
	if utf8.RuneCountInString(s) <= textPreviewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:textPreviewLimit])
}

// MergeConfig overlays overrides onto base. A nil override value deletes the key and
// nested objects are merged one level deep. Neither input is modified.
func MergeConfig(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		if v == nil {
			delete(merged, k)
			continue
		}
		next, nextIsMap := v.(map[string]any)
		prev, prevIsMap := merged[k].(map[string]any)
		if nextIsMap && prevIsMap {
			combined := make(map[string]any, len(prev)+len(next))
			for pk, pv := range prev {
				combined[pk] = pv
			}
			for nk, nv := range next {
				combined[nk] = nv
			}
			merged[k] = combined
			continue
		}
		merged[k] = v
	}
	return merged
}
