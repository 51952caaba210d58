package deployments

import (
	"encoding/json"
	"time"

	"faas-engine/internal/core/analysis"
)

// FunctionStatus tracks the lifecycle of a function definition.
type FunctionStatus string

const (
	FunctionInit     FunctionStatus = "init"
	FunctionBuilding FunctionStatus = "building"
	FunctionActive   FunctionStatus = "active"
	FunctionInactive FunctionStatus = "inactive"
)

// Function is a tenant-owned function definition. ActiveDeploymentID is
// a cached back-reference maintained only by activation.
type Function struct {
	ID                 string         `gorm:"primaryKey" json:"id"`
	OwnerID            string         `gorm:"index" json:"owner_id"`
	Name               string         `json:"name"`
	Status             FunctionStatus `json:"status"`
	ActiveDeploymentID string         `json:"active_deployment_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// DeploymentStatus transitions only forward: building -> {ready, failed},
// with ready <-> deployed toggled by activation of self or a sibling.
type DeploymentStatus string

const (
	DeploymentBuilding DeploymentStatus = "building"
	DeploymentReady    DeploymentStatus = "ready"
	DeploymentDeployed DeploymentStatus = "deployed"
	DeploymentFailed   DeploymentStatus = "failed"
)

// Deployment is one immutable version of a function's source package.
type Deployment struct {
	ID               string           `gorm:"primaryKey" json:"id"`
	FunctionID       string           `gorm:"index" json:"function_id"`
	Version          int              `json:"version"`
	ImageRef         string           `json:"image_ref,omitempty"`
	SourceArchiveRef string           `json:"source_archive_ref,omitempty"`
	Status           DeploymentStatus `json:"status"`
	IsActive         bool             `json:"is_active"`
	BuildLog         string           `json:"build_log,omitempty"`
	AnalysisJSON     string           `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Analysis decodes the analysis verdict attached at creation time.
func (d *Deployment) Analysis() (*analysis.Result, error) {
	var res analysis.Result
	if err := json.Unmarshal([]byte(d.AnalysisJSON), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Activatable reports whether the deployment may become the active
// version. Deployments still building, or terminally failed, may not.
func (d *Deployment) Activatable() bool {
	return d.Status == DeploymentReady || d.Status == DeploymentDeployed
}
