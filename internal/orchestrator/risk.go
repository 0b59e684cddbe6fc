package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/notnull-co/frota/internal/domain"
)

var riskKeywords = []string{"breaking", "major", "critical", "emergency"}

// requiresDeferral applies the wisdom-based deferral triggers: changes that
// look risky pause for human review instead of executing unattended.
func (o *Orchestrator) requiresDeferral(req NotifyRequest, fleetSize int, last *domain.Deployment) (bool, string) {
	if req.Strategy == domain.StrategyManual {
		return true, "manual strategy requested"
	}

	message := strings.ToLower(req.Message)
	for _, keyword := range riskKeywords {
		if strings.Contains(message, keyword) {
			return true, "high-risk keyword in message: " + keyword
		}
	}

	if fleetSize > o.conf.RiskMaxFleet {
		return true, fmt.Sprintf("update affects %d agents (limit %d)", fleetSize, o.conf.RiskMaxFleet)
	}

	if last != nil && (last.Status == domain.StatusFailed || last.Status == domain.StatusRolledBack) {
		return true, "previous deployment ended in " + string(last.Status)
	}

	if last != nil && req.AgentImage != "" {
		var lastRef string
		if image := last.Image(domain.RoleAgent); image != nil {
			lastRef = image.Reference
		}
		if majorVersionJump(req.AgentImage, lastRef) {
			return true, "major version jump on agent image"
		}
	}

	return false, ""
}

// majorVersionJump compares the leading version component of the two image
// tags. Unparseable tags are not treated as risky on their own.
func majorVersionJump(newRef, previousRef string) bool {
	newMajor, ok := tagMajor(newRef)
	if !ok {
		return false
	}
	previousMajor, ok := tagMajor(previousRef)
	if !ok {
		return false
	}
	return newMajor > previousMajor
}

func tagMajor(imageRef string) (int, bool) {
	i := strings.LastIndex(imageRef, ":")
	if i <= strings.LastIndex(imageRef, "/") {
		return 0, false
	}
	tag := strings.TrimPrefix(imageRef[i+1:], "v")

	end := 0
	for end < len(tag) && tag[end] >= '0' && tag[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}

	major, err := strconv.Atoi(tag[:end])
	if err != nil {
		return 0, false
	}
	return major, true
}
