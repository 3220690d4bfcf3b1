package core

// ViewerKind classifies the current viewer for entitlement decisions.
// Exactly one kind applies at a time; ViewerProMember implies an
// authenticated session.
type ViewerKind string

const (
	ViewerGuest      ViewerKind = "guest"
	ViewerFreeMember ViewerKind = "free"
	ViewerProMember  ViewerKind = "pro"
)

// Rarity is the informational tier of a prompt. Non-common prompts are
// conventionally premium, but the engine never assumes that; it only
// consults ContentDescriptor.Premium.
type Rarity string

const (
	RarityCommon    Rarity = "Common"
	RarityRare      Rarity = "Rare"
	RarityLegendary Rarity = "Legendary"
)

// Action is the single next step the UI must offer alongside a decision.
type Action string

const (
	ActionNone                 Action = "none"
	ActionPromptLogin          Action = "prompt_login"
	ActionPromptUpgrade        Action = "prompt_upgrade"
	ActionConsumeQuotaToReveal Action = "consume_quota_to_reveal"
	ActionDenyQuotaExhausted   Action = "deny_quota_exhausted"
)

// ViewerContext is the normalized description of the current viewer,
// produced by the resolver at the auth boundary.
type ViewerContext struct {
	Kind ViewerKind `json:"kind"`
}

// ContentDescriptor holds the entitlement-relevant attributes of one prompt.
type ContentDescriptor struct {
	Premium bool   `json:"premium"`
	Rarity  Rarity `json:"rarity"`
}

// MeterState is a snapshot of the per-device reveal quota.
type MeterState struct {
	RevealCount int `json:"reveal_count"`
	MaxLimit    int `json:"max_limit"`
}

// Remaining returns the number of free reveals left, never negative.
func (s MeterState) Remaining() int {
	remaining := s.MaxLimit - s.RevealCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasRemaining reports whether at least one free reveal is left.
func (s MeterState) HasRemaining() bool {
	return s.RevealCount < s.MaxLimit
}

// AccessDecision is the engine output for one viewer and one prompt.
// It is never persisted.
type AccessDecision struct {
	Locked  bool   `json:"locked"`
	Action  Action `json:"action"`
	Message string `json:"message,omitempty"`
}
