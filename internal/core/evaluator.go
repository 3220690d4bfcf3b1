// Package core implements the entitlement policy engine: a pure decision
// function that maps a viewer, a content descriptor, and the metering state
// to an access decision. It performs no I/O and cannot fail; malformed
// inputs are normalized instead of rejected.
package core

import "fmt"

// DefaultRevealLimit is the free reveal quota applied when the metering
// state carries no usable limit.
const DefaultRevealLimit = 3

// Evaluate decides whether the sensitive fields of one prompt are visible
// to the given viewer, and which call to action the UI must offer when they
// are not. Rules are checked in precedence order; the first match wins:
//
//  1. Pro members see everything.
//  2. A reveal already paid for in this viewing session stays unlocked.
//  3. Non-premium content is visible to everyone, quota untouched.
//  4. Premium content is locked: quota exhausted yields
//     ActionDenyQuotaExhausted, otherwise ActionConsumeQuotaToReveal with
//     the remaining credit count in the message.
func Evaluate(viewer ViewerContext, content ContentDescriptor, meter MeterState, revealed bool) AccessDecision {
	meter = normalizeMeter(meter)

	if viewer.Kind == ViewerProMember {
		return AccessDecision{Locked: false, Action: ActionNone}
	}

	if revealed {
		return AccessDecision{Locked: false, Action: ActionNone}
	}

	if !content.Premium {
		return AccessDecision{Locked: false, Action: ActionNone}
	}

	if !meter.HasRemaining() {
		return AccessDecision{
			Locked:  true,
			Action:  ActionDenyQuotaExhausted,
			Message: exhaustedMessage(meter),
		}
	}

	return AccessDecision{
		Locked:  true,
		Action:  ActionConsumeQuotaToReveal,
		Message: revealOfferMessage(viewer, content, meter),
	}
}

// RefusalAction routes a refused copy or display attempt on locked content.
// Guests are sent to login; free members denied on quota are sent to the
// upgrade flow; otherwise the decision's own action stands.
func RefusalAction(viewer ViewerContext, decision AccessDecision) Action {
	if !decision.Locked {
		return ActionNone
	}

	switch viewer.Kind {
	case ViewerGuest:
		return ActionPromptLogin
	case ViewerFreeMember:
		if decision.Action == ActionDenyQuotaExhausted {
			return ActionPromptUpgrade
		}
		return decision.Action
	default:
		return decision.Action
	}
}

// normalizeMeter clamps negative counts to zero and substitutes the default
// quota for a non-positive limit.
func normalizeMeter(meter MeterState) MeterState {
	if meter.RevealCount < 0 {
		meter.RevealCount = 0
	}
	if meter.MaxLimit <= 0 {
		meter.MaxLimit = DefaultRevealLimit
	}
	return meter
}

func revealOfferMessage(viewer ViewerContext, content ContentDescriptor, meter MeterState) string {
	noun := "premium prompt"
	switch content.Rarity {
	case RarityRare:
		noun = "rare premium prompt"
	case RarityLegendary:
		noun = "legendary premium prompt"
	}

	if viewer.Kind == ViewerGuest {
		return fmt.Sprintf("This is a %s. You have %d free reveal(s) left — spend one to view it, or sign in to keep track of your favorites.", noun, meter.Remaining())
	}

	return fmt.Sprintf("This is a %s. Spend a reveal credit (%d left) or upgrade to Pro for unlimited access.", noun, meter.Remaining())
}

func exhaustedMessage(meter MeterState) string {
	return fmt.Sprintf("You've used all %d free reveals. Upgrade to Pro for unlimited access.", meter.MaxLimit)
}
