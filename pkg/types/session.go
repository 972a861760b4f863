package types

// ChannelType describes how the user is reached.
type ChannelType string

const (
	ChannelWeb ChannelType = "web"
	ChannelCLI ChannelType = "cli"
)

// SessionTime tracks session timestamps in Unix milliseconds.
type SessionTime struct {
	Created    int64 `json:"created"`
	LastActive int64 `json:"last_active"`
}

// Session is the persisted per-conversation security state. It is only
// mutated while the session's exclusive lock is held; the state document
// on disk is rewritten atomically.
type Session struct {
	ID          string      `json:"session_id"`
	ChannelType ChannelType `json:"channel_type"`
	ChannelRef  string      `json:"channel_ref,omitempty"`

	// ActivatedRules grows monotonically within a session; only reset
	// (which allocates a new session id) starts over.
	ActivatedRules      map[string]bool `json:"activated_rules,omitempty"`
	DisabledRules       map[string]bool `json:"disabled_rules,omitempty"`
	ApprovedCredentials map[string]bool `json:"approved_credentials,omitempty"`
	ApprovedOperations  map[string]bool `json:"approved_operations,omitempty"`

	// DecisionCache maps "<rule_id>/<operation_signature>" to a cached
	// applicability sub-result.
	DecisionCache map[string]CachedRuleResult `json:"decision_cache,omitempty"`

	// ParentID links a session produced by reset back to the retired one.
	ParentID string `json:"parent_id,omitempty"`
	// Retired marks a session kept on disk for audit after reset.
	Retired bool `json:"retired,omitempty"`

	Time SessionTime `json:"time"`
}

// SessionInfo is the lock-free listing view of a session.
type SessionInfo struct {
	ID          string      `json:"session_id"`
	ChannelType ChannelType `json:"channel_type"`
	LastActive  int64       `json:"last_active"`
}

// Info returns the listing view of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		ChannelType: s.ChannelType,
		LastActive:  s.Time.LastActive,
	}
}

// EnsureMaps initializes nil set fields so callers can mutate freely.
func (s *Session) EnsureMaps() {
	if s.ActivatedRules == nil {
		s.ActivatedRules = make(map[string]bool)
	}
	if s.DisabledRules == nil {
		s.DisabledRules = make(map[string]bool)
	}
	if s.ApprovedCredentials == nil {
		s.ApprovedCredentials = make(map[string]bool)
	}
	if s.ApprovedOperations == nil {
		s.ApprovedOperations = make(map[string]bool)
	}
	if s.DecisionCache == nil {
		s.DecisionCache = make(map[string]CachedRuleResult)
	}
}

// InvalidateDecisionCache drops all cached applicability sub-results.
// Called whenever activated or disabled rules change.
func (s *Session) InvalidateDecisionCache() {
	s.DecisionCache = make(map[string]CachedRuleResult)
}
