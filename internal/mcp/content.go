package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Content is one item of a tools/call result.
type Content struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`

	raw json.RawMessage
}

// EmbeddedResource is the nested resource of a "resource" content item.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// UnmarshalJSON keeps the raw item so unknown types can be passed on
// verbatim.
func (c *Content) UnmarshalJSON(data []byte) error {
	type plain Content
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Content(p)
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Raw returns the item as received, re-encoding it when it was built
// in code.
func (c Content) Raw() string {
	if len(c.raw) > 0 {
		return string(c.raw)
	}
	data, _ := json.Marshal(c)
	return string(data)
}

// ImageContent is the decoded form of an image item.
type ImageContent struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// ResourceContent is the decoded form of a resource item.
type ResourceContent struct {
	Type     string `json:"type"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolResult is the result payload of tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`

	// Raw is the undecoded result object.
	Raw json.RawMessage `json:"-"`
}

// DecodeContent turns a content list into a caller-friendly value: ""
// for no items, a single scalar for one item, and a []any of scalars
// otherwise. Text, and items without a type, become a string, images ImageContent, resources
// ResourceContent. Unknown types are passed through as their raw JSON.
func DecodeContent(items []Content, logger *slog.Logger) any {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return decodeItem(items[0], logger)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		out = append(out, decodeItem(item, logger))
	}
	return out
}

func decodeItem(c Content, logger *slog.Logger) any {
	switch c.Type {
	case "text", "":
		return c.Text
	case "image":
		return ImageContent{Type: "image", Data: c.Data, MimeType: c.MimeType}
	case "resource":
		r := ResourceContent{Type: "resource", URI: c.URI, MimeType: c.MimeType}
		if c.Resource != nil {
			if r.URI == "" {
				r.URI = c.Resource.URI
			}
			if r.MimeType == "" {
				r.MimeType = c.Resource.MimeType
			}
		}
		return r
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("unexpected content type", "type", c.Type)
	return c.Raw()
}

// ContentText joins text items into one string. Other items are shown
// as inline markers such as "[image]".
func ContentText(items []Content) string {
	var parts []string
	for _, c := range items {
		switch c.Type {
		case "text", "":
			parts = append(parts, c.Text)
		case "resource":
			uri := c.URI
			if uri == "" && c.Resource != nil {
				uri = c.Resource.URI
			}
			if uri != "" {
				parts = append(parts, fmt.Sprintf("[resource %s]", uri))
			} else {
				parts = append(parts, "[resource]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", c.Type))
		}
	}
	return strings.Join(parts, "\n")
}
