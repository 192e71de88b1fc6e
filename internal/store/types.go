package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PermissionLevel orders chat roles from least to most privileged.
type PermissionLevel int

const (
	LevelEveryone   PermissionLevel = 0
	LevelRegular    PermissionLevel = 1
	LevelSubscriber PermissionLevel = 2
	LevelVIP        PermissionLevel = 3
	LevelModerator  PermissionLevel = 4
	LevelEditor     PermissionLevel = 5
	LevelOwner      PermissionLevel = 6
)

func (l PermissionLevel) String() string {
	switch l {
	case LevelEveryone:
		return "everyone"
	case LevelRegular:
		return "regular"
	case LevelSubscriber:
		return "subscriber"
	case LevelVIP:
		return "vip"
	case LevelModerator:
		return "moderator"
	case LevelEditor:
		return "editor"
	case LevelOwner:
		return "owner"
	}
	return "unknown"
}

// PermissionSet maps user IDs to their level within one entity.
// Users absent from the set are LevelEveryone.
type PermissionSet map[string]PermissionLevel

// Level returns the user's permission level, defaulting to everyone.
func (p PermissionSet) Level(userID string) PermissionLevel {
	if p == nil {
		return LevelEveryone
	}
	return p[userID]
}

// EntityData is a monitored platform location, addressed as
// "platform:server:channel" (or "platform:channel" for flat platforms).
// Entities are never hard-deleted, only marked inactive.
type EntityData struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	Live      bool      `json:"live"`
	Viewers   int       `json:"viewers"`
	Active    bool      `json:"active"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityPlatform extracts the platform segment from an entity ID.
func EntityPlatform(entityID string) string {
	if i := strings.IndexByte(entityID, ':'); i > 0 {
		return entityID[:i]
	}
	return entityID
}

// Command prefixes. Local commands are scoped to one entity; community
// commands are shared across a community's entities.
const (
	PrefixLocal     = "!"
	PrefixCommunity = "#"
)

// Execution modes for commands bound to multiple handler targets.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Handler target kinds.
const (
	TargetRPC      = "rpc"      // handler container address
	TargetFunction = "function" // serverless function reference
	TargetWebhook  = "webhook"  // outbound webhook URL
)

// TargetData identifies one handler backend bound to a command.
type TargetData struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Module  string `json:"module,omitempty"` // handler module name, echoed in responses
}

// CommandData is a named, prefixed action owned by the configuration store.
// Names are unique per (entity, prefix).
type CommandData struct {
	ID            uuid.UUID       `json:"id"`
	EntityID      string          `json:"entity_id"`
	Prefix        string          `json:"prefix"`
	Name          string          `json:"name"`
	MinLevel      PermissionLevel `json:"min_level"`
	Active        bool            `json:"active"`
	ExecutionMode string          `json:"execution_mode"`
	Targets       []TargetData    `json:"targets"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MarshalTargets serializes the target list for storage.
func (c *CommandData) MarshalTargets() ([]byte, error) {
	return json.Marshal(c.Targets)
}

// String-match rule pattern kinds.
const (
	PatternLiteral   = "literal"   // whole-message equality
	PatternSubstring = "substring" // contains
	PatternWord      = "word"      // word-boundary match
	PatternRegex     = "regex"
	PatternWildcard  = "wildcard" // "*", matches unconditionally
)

// String-match rule actions.
const (
	ActionWarn    = "warn"
	ActionBlock   = "block"
	ActionCommand = "command"
	ActionWebhook = "webhook"
)

// RuleData is one string-match (moderation / auto-response) rule.
// Lower priority evaluates first.
type RuleData struct {
	ID            uuid.UUID `json:"id"`
	EntityID      string    `json:"entity_id"`
	Pattern       string    `json:"pattern"`
	Kind          string    `json:"kind"`
	CaseSensitive bool      `json:"case_sensitive"`
	Priority      int       `json:"priority"`
	Action        string    `json:"action"`
	Command       string    `json:"command,omitempty"`     // for ActionCommand
	WebhookURL    string    `json:"webhook_url,omitempty"` // for ActionWebhook
	ContinueEval  bool      `json:"continue_eval"`
	Active        bool      `json:"active"`
}

// ClaimData binds an entity to the collector instance currently
// responsible for it. At most one non-expired claim exists per entity.
type ClaimData struct {
	EntityID    string    `json:"entity_id"`
	CollectorID string    `json:"collector_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// EntityStatus is a collector's per-entity status report, carried on checkin.
type EntityStatus struct {
	EntityID string `json:"entity_id"`
	Live     bool   `json:"live"`
	Viewers  int    `json:"viewers"`
}

// AuditData records the outcome of one finalized session for operational audit.
type AuditData struct {
	SessionID  uuid.UUID `json:"session_id"`
	EntityID   string    `json:"entity_id"`
	UserID     string    `json:"user_id"`
	Executions int       `json:"executions"`
	Responses  int       `json:"responses"`
	Outcome    string    `json:"outcome"` // "complete" or "timed_out"
	DurationMS int       `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
