// Package gorm persists engine metadata in postgres.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faas-engine/internal/core/deployments"
	"faas-engine/internal/core/invocations"
	"faas-engine/internal/core/keys"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store implements the metadata store interfaces of the core packages
// over one gorm connection.
type Store struct {
	db *gorm.DB
	lg zerolog.Logger
}

func New(dsn string, lg zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm open: %w", err)
	}
	if err := db.AutoMigrate(
		&deployments.Function{},
		&deployments.Deployment{},
		&keys.ApiKey{},
		&invocations.Record{},
	); err != nil {
		return nil, fmt.Errorf("gorm migrate: %w", err)
	}
	return &Store{db: db, lg: lg.With().Str("adapter", "gorm").Logger()}, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return deployments.ErrNotFound
	}
	return err
}

func (s *Store) CreateFunction(ctx context.Context, fn *deployments.Function) error {
	return s.db.WithContext(ctx).Create(fn).Error
}

func (s *Store) SaveFunction(ctx context.Context, fn *deployments.Function) error {
	return s.db.WithContext(ctx).Save(fn).Error
}

func (s *Store) GetFunction(ctx context.Context, id string) (*deployments.Function, error) {
	var fn deployments.Function
	if err := s.db.WithContext(ctx).First(&fn, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &fn, nil
}

func (s *Store) FindFunction(ctx context.Context, ownerID, name string) (*deployments.Function, error) {
	var fn deployments.Function
	err := s.db.WithContext(ctx).First(&fn, "owner_id = ? AND name = ?", ownerID, name).Error
	if err != nil {
		return nil, translate(err)
	}
	return &fn, nil
}

func (s *Store) ListFunctions(ctx context.Context) ([]deployments.Function, error) {
	var fns []deployments.Function
	if err := s.db.WithContext(ctx).Order("created_at").Find(&fns).Error; err != nil {
		return nil, err
	}
	return fns, nil
}

func (s *Store) CreateDeployment(ctx context.Context, d *deployments.Deployment) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*deployments.Deployment, error) {
	var d deployments.Deployment
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Store) GetDeploymentByVersion(ctx context.Context, functionID string, version int) (*deployments.Deployment, error) {
	var d deployments.Deployment
	err := s.db.WithContext(ctx).First(&d, "function_id = ? AND version = ?", functionID, version).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Store) ListDeployments(ctx context.Context, functionID string) ([]deployments.Deployment, error) {
	var ds []deployments.Deployment
	err := s.db.WithContext(ctx).
		Where("function_id = ?", functionID).
		Order("version DESC").
		Find(&ds).Error
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *Store) MaxVersion(ctx context.Context, functionID string) (int, error) {
	var max *int
	err := s.db.WithContext(ctx).
		Model(&deployments.Deployment{}).
		Where("function_id = ?", functionID).
		Select("MAX(version)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

func (s *Store) SetDeploymentStatus(ctx context.Context, id string, status deployments.DeploymentStatus, imageRef, buildLog string) error {
	updates := map[string]any{"status": status, "build_log": buildLog}
	if imageRef != "" {
		updates["image_ref"] = imageRef
	}
	res := s.db.WithContext(ctx).Model(&deployments.Deployment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return deployments.ErrNotFound
	}
	return nil
}

// Activate runs the whole flip in one transaction so concurrent
// activations serialize on the function's rows.
func (s *Store) Activate(ctx context.Context, functionID, deploymentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Siblings that were serving go back to ready.
		if err := tx.Model(&deployments.Deployment{}).
			Where("function_id = ? AND id <> ? AND status = ?", functionID, deploymentID, deployments.DeploymentDeployed).
			Update("status", deployments.DeploymentReady).Error; err != nil {
			return err
		}
		if err := tx.Model(&deployments.Deployment{}).
			Where("function_id = ? AND id <> ?", functionID, deploymentID).
			Update("is_active", false).Error; err != nil {
			return err
		}
		res := tx.Model(&deployments.Deployment{}).
			Where("id = ? AND function_id = ?", deploymentID, functionID).
			Updates(map[string]any{"is_active": true, "status": deployments.DeploymentDeployed})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return deployments.ErrNotFound
		}
		return tx.Model(&deployments.Function{}).
			Where("id = ?", functionID).
			Updates(map[string]any{
				"active_deployment_id": deploymentID,
				"status":               deployments.FunctionActive,
			}).Error
	})
}

func (s *Store) ActiveDeployment(ctx context.Context, functionID string) (*deployments.Deployment, error) {
	var d deployments.Deployment
	err := s.db.WithContext(ctx).
		First(&d, "function_id = ? AND is_active = ?", functionID, true).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Store) FailStaleBuilds(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&deployments.Deployment{}).
		Where("status = ? AND created_at < ?", deployments.DeploymentBuilding, cutoff).
		Updates(map[string]any{"status": deployments.DeploymentFailed, "build_log": "build interrupted by engine restart"})
	return res.RowsAffected, res.Error
}

func (s *Store) CreateKey(ctx context.Context, k *keys.ApiKey) error {
	return s.db.WithContext(ctx).Create(k).Error
}

func (s *Store) SaveKey(ctx context.Context, k *keys.ApiKey) error {
	return s.db.WithContext(ctx).Save(k).Error
}

func (s *Store) GetKey(ctx context.Context, publicRef string) (*keys.ApiKey, error) {
	var k keys.ApiKey
	if err := s.db.WithContext(ctx).First(&k, "public_ref = ?", publicRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, keys.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (s *Store) ListKeys(ctx context.Context, functionID string) ([]keys.ApiKey, error) {
	var ks []keys.ApiKey
	err := s.db.WithContext(ctx).Where("function_id = ?", functionID).Order("created_at").Find(&ks).Error
	if err != nil {
		return nil, err
	}
	return ks, nil
}

func (s *Store) CreateInvocationRecord(ctx context.Context, rec *invocations.Record) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *Store) ListInvocationRecords(ctx context.Context, functionID string) ([]invocations.Record, error) {
	var recs []invocations.Record
	err := s.db.WithContext(ctx).
		Where("function_id = ?", functionID).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}
