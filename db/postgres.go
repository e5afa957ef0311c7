// Package db provides the PostgreSQL persistence layer for projects, their
// source images, their attached tool chains, and the image versions
// produced by applying those tools. It uses GORM over gorm.io/driver/postgres
// with the same connection-pool tuning and AutoMigrate-on-startup pattern
// used throughout the rest of the codebase.
package db

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Project is owned by exactly one user and groups a set of source images
// and an ordered tool chain.
type Project struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	OwnerID   string `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Image is a source image uploaded into a project. The on-disk path is
// derived deterministically from (ProjectID, ID, extension) and is not
// stored separately.
type Image struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	ProjectID string `gorm:"index;not null"`
	CreatedAt time.Time
}

// Tool is one step of a project's ordered tool chain. Position is
// 1-indexed and forms a contiguous sequence within a project.
type Tool struct {
	ID         string `gorm:"primaryKey"`
	ProjectID  string `gorm:"index;not null"`
	Position   int    `gorm:"not null"`
	Procedure  string `gorm:"not null"`
	Parameters datatypes.JSON
	CreatedAt  time.Time
}

// ImageVersion is the artifact produced by applying a Tool to either the
// original image or the prior version in its chain. Exactly one of the
// on-disk PNG file (at the version's output path) or TextResult is meaningful, mirroring the
// wire protocol's image/text output split.
type ImageVersion struct {
	ID              string `gorm:"primaryKey"`
	OriginalImageID string `gorm:"index;not null"`
	ProjectID       string `gorm:"index;not null"`
	ToolID          string `gorm:"not null"`
	TextResult      *string
	CreatedAt       time.Time
}

// Store wraps a GORM connection configured with production connection-pool
// settings and the current schema migrated in.
type Store struct {
	DB *gorm.DB
}

// Open connects to Postgres at pgURL, tunes the underlying connection pool,
// and migrates the schema.
func Open(pgURL string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Project{}, &Image{}, &Tool{}, &ImageVersion{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Ping verifies the underlying connection pool can still reach Postgres.
func (s *Store) Ping() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return fmt.Errorf("get underlying sql.DB: %w", err)
	}
	return sqlDB.Ping()
}

// CreateProject inserts a new project row.
func (s *Store) CreateProject(p *Project) error {
	return s.DB.Create(p).Error
}

// GetProject fetches a project by id, returning gorm.ErrRecordNotFound if
// absent.
func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	if err := s.DB.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjectsByOwner lists all projects owned by ownerID.
func (s *Store) ListProjectsByOwner(ownerID string) ([]Project, error) {
	var projects []Project
	if err := s.DB.Where("owner_id = ?", ownerID).Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// DeleteProject removes a project and everything it owns: images, tools,
// and image versions. Image version files on disk are the caller's
// responsibility (best-effort, per the no-transactional-coupling policy).
func (s *Store) DeleteProject(id string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&ImageVersion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&Tool{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&Image{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Project{}, "id = ?", id).Error
	})
}

// CreateImage inserts a new source image row.
func (s *Store) CreateImage(img *Image) error {
	return s.DB.Create(img).Error
}

// GetImage fetches a source image by id.
func (s *Store) GetImage(id string) (*Image, error) {
	var img Image
	if err := s.DB.First(&img, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &img, nil
}

// ListImages lists all source images in a project.
func (s *Store) ListImages(projectID string) ([]Image, error) {
	var images []Image
	if err := s.DB.Where("project_id = ?", projectID).Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

// DeleteImage removes a source image row. The caller removes the backing
// file and any ImageVersion rows/files separately.
func (s *Store) DeleteImage(id string) error {
	return s.DB.Delete(&Image{}, "id = ?", id).Error
}

// CreateTool inserts a new tool row at the end of its project's chain.
// Callers are responsible for assigning a contiguous Position.
func (s *Store) CreateTool(t *Tool) error {
	return s.DB.Create(t).Error
}

// ListTools lists a project's tool chain ordered by position.
func (s *Store) ListTools(projectID string) ([]Tool, error) {
	var tools []Tool
	if err := s.DB.Where("project_id = ?", projectID).Order("position asc").Find(&tools).Error; err != nil {
		return nil, err
	}
	return tools, nil
}

// GetTool fetches a single tool by id.
func (s *Store) GetTool(id string) (*Tool, error) {
	var t Tool
	if err := s.DB.First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTool removes a tool row. It does not renumber remaining positions;
// callers that need a contiguous sequence handle that separately.
func (s *Store) DeleteTool(id string) error {
	return s.DB.Delete(&Tool{}, "id = ?", id).Error
}

// DeleteImageVersionsByProject removes every ImageVersion row for a project.
// Used by the "clear prior outputs" step before re-applying a tool chain;
// the corresponding output/ directory subtree is removed separately by the
// caller (database deletion is authoritative, filesystem cleanup is
// best-effort).
func (s *Store) DeleteImageVersionsByProject(projectID string) error {
	return s.DB.Where("project_id = ?", projectID).Delete(&ImageVersion{}).Error
}

// DeleteToolsByProject removes every Tool row for a project. Used by
// update_tools to replace a chain wholesale.
func (s *Store) DeleteToolsByProject(projectID string) error {
	return s.DB.Where("project_id = ?", projectID).Delete(&Tool{}).Error
}

// CreateImageVersion inserts the record for one successful tool application.
func (s *Store) CreateImageVersion(v *ImageVersion) error {
	return s.DB.Create(v).Error
}

// GetImageVersion fetches an image version by id.
func (s *Store) GetImageVersion(id string) (*ImageVersion, error) {
	var v ImageVersion
	if err := s.DB.First(&v, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// ListImageVersions lists, in creation order, every version produced for a
// given source image's chain.
func (s *Store) ListImageVersions(originalImageID string) ([]ImageVersion, error) {
	var versions []ImageVersion
	if err := s.DB.Where("original_image_id = ?", originalImageID).Order("created_at asc").Find(&versions).Error; err != nil {
		return nil, err
	}
	return versions, nil
}

// ListImageVersionsByProject lists, in creation order, every version
// produced for any image in a project. Backs the "tools/images" listing
// endpoint, which shows the whole project's output set regardless of which
// source image each version came from.
func (s *Store) ListImageVersionsByProject(projectID string) ([]ImageVersion, error) {
	var versions []ImageVersion
	if err := s.DB.Where("project_id = ?", projectID).Order("created_at asc").Find(&versions).Error; err != nil {
		return nil, err
	}
	return versions, nil
}
