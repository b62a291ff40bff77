// Package copilot – tools.go defines the closed set of tools the model may
// call. Each tool is a ToolRequest variant carrying typed arguments;
// DecodeToolCall turns a wire call into a variant and ToolDefinitions
// returns the schemas sent with every completion.
package copilot

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidArgument reports a tool argument that fails validation.
var ErrInvalidArgument = errors.New("invalid argument")

// Wire names of the tools.
const (
	ToolScheduleExact     = "add_task_exact_time"
	ToolScheduleRelative  = "add_task_relative_time"
	ToolGetTimezone       = "get_user_timezone"
	ToolSetTimezone       = "set_user_timezone"
	ToolRememberAndRecall = "use_pinecone"
)

// UTC offset bounds, in hours.
const (
	MinOffsetHours = -11
	MaxOffsetHours = 14
)

// ToolRequest is a decoded tool call. The set of implementations is closed.
type ToolRequest interface {
	ToolName() string
	isToolRequest()
}

// ScheduleExact schedules Message at TimeStr shifted by the user's Offset.
type ScheduleExact struct {
	Message       string `json:"message"`
	TimeStr       string `json:"time_str"`
	To            string `json:"to"`
	PhoneNumberID string `json:"phone_number_id"`
	Offset        string `json:"offset"`
}

// ScheduleRelative schedules Message at TimeStr, taken as UTC.
type ScheduleRelative struct {
	Message       string `json:"message"`
	TimeStr       string `json:"time_str"`
	To            string `json:"to"`
	PhoneNumberID string `json:"phone_number_id"`
}

// GetTimezone reads the stored UTC offset of a user.
type GetTimezone struct {
	Key string `json:"to_number"`
}

// SetTimezone stores the UTC offset of a user.
type SetTimezone struct {
	Key    string `json:"to_number"`
	Offset string `json:"timezone"`
}

// RecallRecord is the user input object uploaded to the similarity store.
type RecallRecord struct {
	Text               string `json:"text"`
	FileContentSummary string `json:"file_content_summary"`
	Timestamp          string `json:"timestamp"`
	ToNumber           string `json:"to_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// RememberAndRecall stores Record in the user's namespace and returns
// similar earlier records.
type RememberAndRecall struct {
	Record *RecallRecord `json:"input_obj"`
	Key    string        `json:"to"`
}

// UnknownTool is a call to a name outside the tool set.
type UnknownTool struct {
	Name string
}

func (ScheduleExact) ToolName() string     { return ToolScheduleExact }
func (ScheduleRelative) ToolName() string  { return ToolScheduleRelative }
func (GetTimezone) ToolName() string       { return ToolGetTimezone }
func (SetTimezone) ToolName() string       { return ToolSetTimezone }
func (RememberAndRecall) ToolName() string { return ToolRememberAndRecall }
func (u UnknownTool) ToolName() string     { return u.Name }

func (ScheduleExact) isToolRequest()     {}
func (ScheduleRelative) isToolRequest()  {}
func (GetTimezone) isToolRequest()       {}
func (SetTimezone) isToolRequest()       {}
func (RememberAndRecall) isToolRequest() {}
func (UnknownTool) isToolRequest()       {}

// DecodeToolCall decodes the JSON arguments of a call to name. Unknown
// names decode to UnknownTool without error.
func DecodeToolCall(name string, args string) (ToolRequest, error) {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	raw := []byte(args)

	switch name {
	case ToolScheduleExact:
		var req ScheduleExact
		return req, decodeArgs(raw, &req)
	case ToolScheduleRelative:
		var req ScheduleRelative
		return req, decodeArgs(raw, &req)
	case ToolGetTimezone:
		var req GetTimezone
		return req, decodeArgs(raw, &req)
	case ToolSetTimezone:
		var req SetTimezone
		return req, decodeArgs(raw, &req)
	case ToolRememberAndRecall:
		var req RememberAndRecall
		return req, decodeArgs(raw, &req)
	default:
		return UnknownTool{Name: name}, nil
	}
}

func decodeArgs(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	return nil
}

var offsetPattern = regexp.MustCompile(`(?i)^UTC([+-]?\d{1,2})?$`)

// ParseOffset parses "UTC", "UTC+3", "utc-11" and the like into whole hours
// within [MinOffsetHours, MaxOffsetHours].
func ParseOffset(offset string) (int, error) {
	m := offsetPattern.FindStringSubmatch(strings.TrimSpace(offset))
	if m == nil {
		return 0, fmt.Errorf("%w: offset %q must look like UTC+3 or UTC-11", ErrInvalidArgument, offset)
	}
	if m[1] == "" {
		return 0, nil
	}
	hours, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: offset %q: %v", ErrInvalidArgument, offset, err)
	}
	if hours < MinOffsetHours || hours > MaxOffsetHours {
		return 0, fmt.Errorf("%w: UTC offset must be between %d and +%d hours, got %d",
			ErrInvalidArgument, MinOffsetHours, MaxOffsetHours, hours)
	}
	return hours, nil
}

// ToolDefinitions returns the schemas of every tool, in a stable order.
func ToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		tool(ToolScheduleExact,
			"Schedules a message to be sent to the user at a specific non-relative time (e.g. 'at 3 PM').",
			`{
				"type": "object",
				"properties": {
					"message": {"type": "string", "description": "Text of the WhatsApp message sent at the scheduled time"},
					"time_str": {"type": "string", "description": "ISO 8601 datetime, as wall-clock time in the user's timezone written with a Z suffix"},
					"to": {"type": "string", "description": "User's phone number"},
					"phone_number_id": {"type": "string", "description": "WhatsApp phone-number ID used to deliver the message"},
					"offset": {"type": "string", "description": "User's UTC offset such as 'UTC+3' or 'UTC-11'"}
				},
				"required": ["message", "time_str", "to", "phone_number_id", "offset"],
				"additionalProperties": false
			}`),
		tool(ToolScheduleRelative,
			"Schedules a message to be sent to the user at a relative time (e.g. 'in 3 hours').",
			`{
				"type": "object",
				"properties": {
					"message": {"type": "string", "description": "Text of the WhatsApp message sent at the scheduled time"},
					"time_str": {"type": "string", "description": "ISO 8601 datetime in UTC of the moment the message should be sent"},
					"to": {"type": "string", "description": "User's phone number"},
					"phone_number_id": {"type": "string", "description": "WhatsApp phone-number ID used to deliver the message"}
				},
				"required": ["message", "time_str", "to", "phone_number_id"],
				"additionalProperties": false
			}`),
		tool(ToolGetTimezone,
			"Gets the user's UTC offset.",
			`{
				"type": "object",
				"properties": {
					"to_number": {"type": "string", "description": "User's phone number"}
				},
				"required": ["to_number"],
				"additionalProperties": false
			}`),
		tool(ToolSetTimezone,
			"Saves the user's UTC offset.",
			`{
				"type": "object",
				"properties": {
					"to_number": {"type": "string", "description": "User's phone number"},
					"timezone": {"type": "string", "description": "User's UTC offset such as 'UTC+3' or 'UTC-11'"}
				},
				"required": ["to_number", "timezone"],
				"additionalProperties": false
			}`),
		tool(ToolRememberAndRecall,
			"Stores a fact about the user in long-term memory and returns similar facts stored earlier.",
			`{
				"type": "object",
				"properties": {
					"input_obj": {
						"type": "object",
						"description": "User input object with the text rewritten in the third person",
						"properties": {
							"text": {"type": "string"},
							"file_content_summary": {"type": "string"},
							"timestamp": {"type": "string"},
							"to_number": {"type": "string"},
							"phone_number_id": {"type": "string"}
						},
						"required": ["text", "file_content_summary", "timestamp", "to_number", "phone_number_id"],
						"additionalProperties": false
					},
					"to": {"type": "string", "description": "User's phone number"}
				},
				"required": ["input_obj", "to"],
				"additionalProperties": false
			}`),
	}
}

func tool(name, description, params string) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  json.RawMessage(params),
		},
	}
}
