// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package logclassify

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

func stringField(object map[string]any, key string) string {
	value, _ := object[key].(string)
	return value
}

func boolField(object map[string]any, key string) bool {
	value, _ := object[key].(bool)
	return value
}

func objectField(object map[string]any, key string) map[string]any {
	value, _ := object[key].(map[string]any)
	return value
}

// contentBlocks returns message.content or the top-level content when
// either is an array of objects. Claude and Cursor nest the blocks
// under message; some agents put them at the top level.
func contentBlocks(object map[string]any) []map[string]any {
	if message := objectField(object, "message"); message != nil {
		if blocks := blockList(message["content"]); blocks != nil {
			return blocks
		}
	}
	return blockList(object["content"])
}

func blockList(value any) []map[string]any {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	blocks := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if block, ok := item.(map[string]any); ok {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func allToolUse(blocks []map[string]any) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, block := range blocks {
		if stringField(block, "type") != "tool_use" {
			return false
		}
	}
	return true
}

// blockText concatenates the text of every text-bearing block.
func blockText(blocks []map[string]any) string {
	var builder strings.Builder
	for _, block := range blocks {
		if kind := stringField(block, "type"); kind != "" && kind != "text" {
			continue
		}
		builder.WriteString(stringField(block, "text"))
	}
	return builder.String()
}

// narrativeText finds the assistant's prose in any of the shapes the
// supported agents emit.
func narrativeText(object map[string]any) string {
	if text := blockText(contentBlocks(object)); text != "" {
		return text
	}
	if message := objectField(object, "message"); message != nil {
		if text := stringField(message, "content"); text != "" {
			return text
		}
	}
	for _, key := range []string{"content", "text", "delta"} {
		if text := stringField(object, key); text != "" {
			return text
		}
	}
	return ""
}

// extractResult picks the final answer: content block text first,
// then the result string, then a message string, then the raw line.
func extractResult(object map[string]any, raw string) Result {
	result := Result{
		IsError: boolField(object, "is_error") || strings.HasPrefix(stringField(object, "subtype"), "error"),
	}
	candidates := []string{
		blockText(contentBlocks(object)),
		stringField(object, "result"),
		stringField(object, "message"),
	}
	for _, candidate := range candidates {
		if candidate != "" {
			result.Text = candidate
			result.HasText = true
			return result
		}
	}
	result.Text = raw
	return result
}

// toolSummary renders "name {input}" for the tool invocation shapes
// of the supported agents.
func toolSummary(object map[string]any) string {
	var names, inputs []string
	add := func(name string, input any) {
		if name == "" {
			return
		}
		names = append(names, name)
		if input != nil {
			if encoded, err := json.Marshal(input); err == nil && string(encoded) != "{}" {
				inputs = append(inputs, name+" "+truncate(string(encoded), 200))
				return
			}
		}
		inputs = append(inputs, name)
	}

	for _, block := range contentBlocks(object) {
		if stringField(block, "type") == "tool_use" {
			add(stringField(block, "name"), block["input"])
		}
	}
	if len(names) == 0 {
		name := stringField(object, "tool_name")
		if name == "" {
			name = stringField(object, "name")
		}
		input := object["parameters"]
		if input == nil {
			input = object["input"]
		}
		add(name, input)
	}
	if len(names) == 0 {
		// Cursor nests the call as {"tool_call": {"readToolCall": {"args": ...}}}.
		if call := objectField(object, "tool_call"); call != nil {
			keys := make([]string, 0, len(call))
			for key := range call {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				var args any
				if inner, ok := call[key].(map[string]any); ok {
					args = inner["args"]
				}
				add(key, args)
			}
		}
	}

	summary := strings.Join(inputs, "; ")
	if subtype := stringField(object, "subtype"); subtype != "" && summary != "" {
		summary += " (" + subtype + ")"
	}
	return summary
}

func errorText(object map[string]any) string {
	switch value := object["error"].(type) {
	case string:
		return value
	case map[string]any:
		if message := stringField(value, "message"); message != "" {
			return message
		}
		if encoded, err := json.Marshal(value); err == nil {
			return string(encoded)
		}
	}
	for _, key := range []string{"message", "result", "content", "output"} {
		if text := stringField(object, key); text != "" {
			return text
		}
	}
	return ""
}

func systemText(object map[string]any) string {
	if text := blockText(contentBlocks(object)); text != "" {
		return text
	}
	for _, key := range []string{"message", "content", "text", "output"} {
		if text := stringField(object, key); text != "" {
			return text
		}
	}
	return ""
}

var metadataKeys = []string{"tool_name", "tool_id", "timestamp", "session_id", "model", "subtype", "role"}

func objectMetadata(object map[string]any) map[string]string {
	metadata := make(map[string]string)
	for _, key := range metadataKeys {
		if value := stringField(object, key); value != "" {
			metadata[key] = value
		}
	}
	if _, ok := metadata["role"]; !ok {
		if message := objectField(object, "message"); message != nil {
			if role := stringField(message, "role"); role != "" {
				metadata["role"] = role
			}
		}
	}
	if _, ok := metadata["tool_name"]; !ok {
		var names, ids []string
		for _, block := range contentBlocks(object) {
			if stringField(block, "type") != "tool_use" {
				continue
			}
			if name := stringField(block, "name"); name != "" {
				names = append(names, name)
			}
			if id := stringField(block, "id"); id != "" {
				ids = append(ids, id)
			}
		}
		if len(names) > 0 {
			metadata["tool_name"] = strings.Join(names, ",")
		}
		if _, ok := metadata["tool_id"]; !ok && len(ids) > 0 {
			metadata["tool_id"] = strings.Join(ids, ",")
		}
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

var (
	filePathPattern   = regexp.MustCompile(`(?:Reading|Analyzing|Processing|File:)\s+(\S+\.[A-Za-z]{1,4})\b`)
	lineNumberPattern = regexp.MustCompile(`\blines?\s*(\d+)`)
)

// plainMetadata recognises file references in progress lines such as
// "Reading src/app.ts line 42".
func plainMetadata(content string) map[string]string {
	metadata := make(map[string]string)
	if match := filePathPattern.FindStringSubmatch(content); match != nil {
		metadata["file_path"] = match[1]
	}
	if match := lineNumberPattern.FindStringSubmatch(content); match != nil {
		metadata["line_number"] = match[1]
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
