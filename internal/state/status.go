package state

import (
	"strings"

	"github.com/orchestro/console/pkg/api/client"
)

// Status is the displayed deployment state of a project.
type Status string

const (
	StatusNone     Status = "none"
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusPaused   Status = "paused"
)

// NoDeploymentsLabel is shown for projects without any deployment.
const NoDeploymentsLabel = "no deployments"

// ParseStatus maps a raw backend deployment status onto Status. Values the console does not
// know, such as "outdated", count as failed.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "building":
		return StatusBuilding
	case "ready":
		return StatusReady
	case "failed", "cancelled":
		return StatusFailed
	case "paused":
		return StatusPaused
	default:
		return StatusFailed
	}
}

// Derive computes status, display label and port from a project's deployment history.
func Derive(p client.Project) (Status, string, int) {
	latest, ok := p.Latest()
	if !ok {
		return StatusNone, NoDeploymentsLabel, 0
	}
	label := latest.Status
	if label == "" {
		label = string(StatusFailed)
	}
	return ParseStatus(latest.Status), label, latest.Port
}
