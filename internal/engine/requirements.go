// Package engine provides requirement satisfaction checks for active flows.
package engine

import (
	"log/slog"

	"github.com/BranchLine/CallFlow/internal/models"
)

// RequirementCheck reports which of a flow's requirements are satisfied by
// current session state. AllMet is true only when every requirement
// resolves to met, including the vacuous case of zero requirements.
type RequirementCheck struct {
	AllMet bool
	Met    []models.Requirement
	Unmet  []models.Requirement
}

// CheckRequirements evaluates all of a flow's declared requirements against
// session state. Requirements not marked required, and requirements of
// unknown type, are always treated as met.
func CheckRequirements(flow *models.FlowDefinition, session *models.SessionState) RequirementCheck {
	check := RequirementCheck{AllMet: true}
	for _, req := range flow.Requirements {
		if requirementMet(req, session) {
			check.Met = append(check.Met, req)
		} else {
			check.Unmet = append(check.Unmet, req)
			check.AllMet = false
		}
	}
	return check
}

func requirementMet(req models.Requirement, session *models.SessionState) bool {
	if !req.Required {
		return true
	}
	switch req.Type {
	case models.RequirementCollectSlot, models.RequirementCollectCustom:
		return session.Slots[req.Key] != ""
	case models.RequirementSetFlag:
		return session.Flags[req.Key] != ""
	case models.RequirementSetFact:
		return session.Facts[req.Key] != ""
	case models.RequirementAcknowledge:
		return session.HasAcknowledgment(req.Key)
	case models.RequirementLookup:
		return session.Slots[req.Key] != "" || session.Facts[req.Key] != ""
	default:
		slog.Debug("engine.requirementMet: unknown requirement type treated as met", "type", req.Type, "key", req.Key)
		return true
	}
}
