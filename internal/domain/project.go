package domain

import "time"

// StatusBuilding is the project-level status while a build is active.
const StatusBuilding BuildStatus = "building"

// Project is a logical unit of work tied to one repository. It accumulates
// builds and is mutated only by lifecycle events of its own builds.
type Project struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	RepoName        string      `json:"repoName"`
	Status          BuildStatus `json:"status"`
	Builds          []string    `json:"builds"`
	LastBuild       string      `json:"lastBuild,omitempty"`
	LastBuildStatus BuildStatus `json:"lastBuildStatus,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	LastUpdate      time.Time   `json:"lastUpdate"`
}

// LatestBuild returns the id of the most recent build, if any. Build ids
// are kept in insertion order, so the latest is the last element.
func (p *Project) LatestBuild() (string, bool) {
	if len(p.Builds) == 0 {
		return "", false
	}
	return p.Builds[len(p.Builds)-1], true
}

// Clone returns a deep copy safe to hand outside the store.
func (p *Project) Clone() *Project {
	copied := *p
	copied.Builds = append([]string(nil), p.Builds...)
	return &copied
}
