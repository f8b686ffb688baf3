package query

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/raids-lab/memoria/dao/model"
)

// Migrate brings the schema up to date. It is safe to run on every start.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "202609010001_init_workspace_project",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(
					&model.User{},
					&model.Workspace{},
					&model.WorkspaceMember{},
					&model.Project{},
					&model.ProjectMember{},
					&model.ProjectMapping{},
					&model.MonorepoSubprojectPolicy{},
				)
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					&model.MonorepoSubprojectPolicy{},
					&model.ProjectMapping{},
					&model.ProjectMember{},
					&model.Project{},
					&model.WorkspaceMember{},
					&model.Workspace{},
					&model.User{},
				)
			},
		},
		{
			ID: "202609010002_init_github",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(
					&model.GithubInstallation{},
					&model.GithubRepoLink{},
					&model.GithubTeamMapping{},
					&model.GithubUserLink{},
					&model.GithubRepoTeamsCache{},
					&model.GithubTeamMembersCache{},
					&model.GithubRepoPermissionsCache{},
				)
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					&model.GithubRepoPermissionsCache{},
					&model.GithubTeamMembersCache{},
					&model.GithubRepoTeamsCache{},
					&model.GithubUserLink{},
					&model.GithubTeamMapping{},
					&model.GithubRepoLink{},
					&model.GithubInstallation{},
				)
			},
		},
		{
			ID: "202609150001_webhook_queue",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&model.GithubWebhookEvent{}, &model.RecomputeMark{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&model.RecomputeMark{}, &model.GithubWebhookEvent{})
			},
		},
		{
			ID: "202610010001_cron_jobs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&model.CronJobConfig{}, &model.CronJobRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&model.CronJobRecord{}, &model.CronJobConfig{})
			},
		},
	})

	if err := m.Migrate(); err != nil {
		klog.Errorf("migration failed: %v", err)
		return err
	}
	klog.Info("Migration did run successfully")
	return nil
}
