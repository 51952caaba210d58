package deployments

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores for unknown entities.
var ErrNotFound = errors.New("not found")

// Store is the metadata persistence the manager depends on. Activate
// must run as a single transaction so that two concurrent activations
// can never leave two simultaneously active deployments.
type Store interface {
	CreateFunction(ctx context.Context, fn *Function) error
	SaveFunction(ctx context.Context, fn *Function) error
	GetFunction(ctx context.Context, id string) (*Function, error)
	FindFunction(ctx context.Context, ownerID, name string) (*Function, error)
	ListFunctions(ctx context.Context) ([]Function, error)

	CreateDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	GetDeploymentByVersion(ctx context.Context, functionID string, version int) (*Deployment, error)
	// ListDeployments returns the version-descending history.
	ListDeployments(ctx context.Context, functionID string) ([]Deployment, error)
	MaxVersion(ctx context.Context, functionID string) (int, error)
	SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus, imageRef, buildLog string) error

	// Activate flips every sibling to inactive (deployed ones back to
	// ready), marks the target active+deployed and refreshes the cached
	// back-reference on the function row, all in one transaction.
	Activate(ctx context.Context, functionID, deploymentID string) error
	ActiveDeployment(ctx context.Context, functionID string) (*Deployment, error)

	// FailStaleBuilds marks deployments stuck in building since before
	// the cutoff as failed. Used by the startup sweep.
	FailStaleBuilds(ctx context.Context, cutoff time.Time) (int64, error)
}
