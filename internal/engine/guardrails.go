package engine

import (
	"sort"
	"strings"

	"github.com/BranchLine/CallFlow/internal/models"
)

// Guardrail codes emitted for downstream response generation.
const (
	GuardrailNoRegreet        = "NO_REGREET"
	GuardrailNoRestartBooking = "NO_RESTART_BOOKING"
	guardrailNoReaskPrefix    = "NO_REASK_SLOTS:"
)

// DeriveGuardrails computes the guardrail set from session locks. The
// output is deterministic: slot names in the re-ask guardrail are sorted.
func DeriveGuardrails(session *models.SessionState) []string {
	var guardrails []string
	if session.Locks.Greeted {
		guardrails = append(guardrails, GuardrailNoRegreet)
	}
	if session.Locks.BookingLocked {
		guardrails = append(guardrails, GuardrailNoRestartBooking)
	}
	if len(session.Locks.AskedSlots) > 0 {
		slots := make([]string, 0, len(session.Locks.AskedSlots))
		for slot, asked := range session.Locks.AskedSlots {
			if asked {
				slots = append(slots, slot)
			}
		}
		if len(slots) > 0 {
			sort.Strings(slots)
			guardrails = append(guardrails, guardrailNoReaskPrefix+strings.Join(slots, ","))
		}
	}
	return guardrails
}
