package capabilities

import (
	"encoding/json"

	"github.com/ashureev/conductor/internal/domain"
)

func schema(s string) json.RawMessage { return json.RawMessage(s) }

// Descriptors returns the built-in capability descriptors. A manifest may
// override their descriptions and schemas.
func Descriptors() []domain.CapabilityDescriptor {
	return []domain.CapabilityDescriptor{
		{
			Name:   ManageScheduler,
			Domain: "scheduler",
			Description: "Schedule a reminder or follow-up message for the user at a future time, " +
				"or cancel a scheduled reminder. Use type \"command\" to have the assistant act again at that time.",
			Schema: schema(`{"type":"object","properties":{
				"action":{"type":"string","enum":["create","cancel"]},
				"command":{"type":"string","description":"Reminder text or instruction to run later"},
				"trigger_at":{"type":"string","description":"ISO-8601 timestamp with offset"},
				"delay_minutes":{"type":"integer","description":"Alternative to trigger_at"},
				"type":{"type":"string","enum":["notification","command"]},
				"payload":{"type":"object"},
				"schedule_id":{"type":"string"}},
				"required":["action"]}`),
		},
		{
			Name:        ManageMemory,
			Domain:      "memory",
			Description: "Save, search or delete long-term notes about the user's preferences and facts.",
			Schema: schema(`{"type":"object","properties":{
				"action":{"type":"string","enum":["save","search","delete"]},
				"content":{"type":"string"},
				"query":{"type":"string"},
				"memory_id":{"type":"string"},
				"limit":{"type":"integer"}},
				"required":["action"]}`),
		},
		{
			Name:        ListGitHubRepositories,
			Domain:      "github",
			Description: "List the user's GitHub repositories, most recently updated first.",
			Schema:      schema(`{"type":"object","properties":{"limit":{"type":"integer"}}}`),
		},
		{
			Name:        SetupGitHubWebhook,
			Domain:      "github",
			Description: "Register a push webhook on one of the user's GitHub repositories so new commits are reported back.",
			Schema: schema(`{"type":"object","properties":{
				"repository":{"type":"string","description":"owner/name"}},
				"required":["repository"]}`),
		},
		{
			Name:        ManageGoogleTasks,
			Domain:      "google",
			Description: "List, create, complete or delete items in the user's Google Tasks to-do list.",
			Schema: schema(`{"type":"object","properties":{
				"action":{"type":"string","enum":["list","create","update_status","delete"]},
				"task_id":{"type":"string"},
				"title":{"type":"string"},
				"notes":{"type":"string"},
				"due":{"type":"string"},
				"status":{"type":"string","enum":["completed","needsAction"]}},
				"required":["action"]}`),
		},
		{
			Name:        ManageGoogleCalendar,
			Domain:      "google",
			Description: "List upcoming events, create an event or delete an event in the user's Google Calendar.",
			Schema: schema(`{"type":"object","properties":{
				"action":{"type":"string","enum":["list","create","delete"]},
				"event_id":{"type":"string"},
				"summary":{"type":"string"},
				"description":{"type":"string"},
				"start":{"type":"string","description":"RFC 3339"},
				"end":{"type":"string","description":"RFC 3339"},
				"max_results":{"type":"integer"}},
				"required":["action"]}`),
		},
		{
			Name:        SearchNotion,
			Domain:      "notion",
			Description: "Search pages in the user's Notion workspace by keyword.",
			Schema: schema(`{"type":"object","properties":{
				"query":{"type":"string"},
				"limit":{"type":"integer"}},
				"required":["query"]}`),
		},
		{
			Name:        CreateNotionPage,
			Domain:      "notion",
			Description: "Create a new page with a title and text content under a parent page in Notion.",
			Schema: schema(`{"type":"object","properties":{
				"parent_id":{"type":"string"},
				"title":{"type":"string"},
				"content":{"type":"string"}},
				"required":["parent_id","title"]}`),
		},
	}
}
