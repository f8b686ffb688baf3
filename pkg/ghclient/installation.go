package ghclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/raids-lab/memoria/dao/model"
	"github.com/raids-lab/memoria/pkg/apperr"
)

// FindInstallation returns the installation connected to workspaceID.
func FindInstallation(ctx context.Context, db *gorm.DB, workspaceID uint) (*model.GithubInstallation, error) {
	inst := &model.GithubInstallation{}
	err := db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Take(inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("github installation", "workspace "+strconv.FormatUint(uint64(workspaceID), 10))
	}
	if err != nil {
		return nil, fmt.Errorf("ghclient.FindInstallation: %w", err)
	}
	return inst, nil
}

// FindInstallationByID maps a GitHub installation id back to its workspace.
func FindInstallationByID(ctx context.Context, db *gorm.DB, installationID int64) (*model.GithubInstallation, error) {
	inst := &model.GithubInstallation{}
	err := db.WithContext(ctx).Where("installation_id = ?", installationID).Take(inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("github installation", strconv.FormatInt(installationID, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("ghclient.FindInstallationByID: %w", err)
	}
	return inst, nil
}
