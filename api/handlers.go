package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"picturas.eve.evalgo.org/apperror"
	"picturas.eve.evalgo.org/archive"
	"picturas.eve.evalgo.org/db"
	httpserver "picturas.eve.evalgo.org/http"
	"picturas.eve.evalgo.org/jobcoordinator"
	"picturas.eve.evalgo.org/pushchannel"
)

// Store is the slice of db.Store every project/image/tool handler depends
// on, exposed as an interface so Handlers is testable against a fake.
// *db.Store satisfies this without any adapter.
type Store interface {
	ProjectLookup
	CreateProject(p *db.Project) error
	ListProjectsByOwner(ownerID string) ([]db.Project, error)
	DeleteProject(id string) error
	CreateImage(img *db.Image) error
	GetImage(id string) (*db.Image, error)
	ListImages(projectID string) ([]db.Image, error)
	DeleteImage(id string) error
	ListTools(projectID string) ([]db.Tool, error)
	ListImageVersionsByProject(projectID string) ([]db.ImageVersion, error)
	GetImageVersion(id string) (*db.ImageVersion, error)
}

// Coordinator is the slice of jobcoordinator.Coordinator the tools handlers
// drive, exposed as an interface for the same reason as Store.
type Coordinator interface {
	ApplyTools(projectID, userID string, imageIDs []string) error
	AddTool(projectID string, tool jobcoordinator.RequestedTool) (*db.Tool, error)
	UpdateTools(projectID string, tools []jobcoordinator.RequestedTool) error
}

// Handlers implements the Projects Service's /api/v1 surface.
type Handlers struct {
	store     Store
	coord     Coordinator
	push      *pushchannel.Registry
	imageRoot string
	log       *logrus.Entry
}

// NewHandlers builds the handler set. imageRoot is the filesystem root
// shared with the Tools Service; the same <root>/<project>/... and
// <root>/<project>/output/<image>/<version>.png conventions apply here.
func NewHandlers(store Store, coord Coordinator, push *pushchannel.Registry, imageRoot string, log *logrus.Entry) *Handlers {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handlers{store: store, coord: coord, push: push, imageRoot: imageRoot, log: log.WithField("component", "http_handlers")}
}

// RegisterRoutes wires every /api/v1 route behind authMiddleware (expected
// to be RequireBearerToken bound to the service's verifier), and every
// /projects/{id}/... route additionally behind project-ownership. Every
// route that returns a JSON body also runs behind JSONContentTypeMiddleware;
// DownloadVersion (a raw file) and ServeWS (a websocket upgrade) are kept
// out of that group so it never stomps on their own Content-Type/Upgrade
// handling.
// GET /healthz is intentionally not registered here: it is unauthenticated
// and outside /api/v1, so the caller wires it directly with the ambient
// health-check handler.
func (h *Handlers) RegisterRoutes(e *echo.Echo, authMiddleware echo.MiddlewareFunc) {
	v1 := e.Group("/api/v1", authMiddleware)
	jsonAPI := v1.Group("", httpserver.JSONContentTypeMiddleware())

	jsonAPI.GET("/projects", h.ListProjects)
	jsonAPI.POST("/projects", h.CreateProject)

	owned := jsonAPI.Group("", RequireProjectOwnership(h.store))
	owned.GET("/projects/:id", h.GetProject)
	owned.DELETE("/projects/:id", h.DeleteProject)
	owned.POST("/projects/:id/images", h.UploadImages, middleware.BodyLimit("250M"))
	owned.GET("/projects/:id/images", h.ListImages)
	owned.GET("/projects/:id/images/:image_id", h.GetImage)
	owned.DELETE("/projects/:id/images/:image_id", h.DeleteImage)
	owned.GET("/projects/:id/tools", h.ListTools)
	owned.POST("/projects/:id/tools", h.AddTool)
	owned.PUT("/projects/:id/tools", h.UpdateTools)
	owned.POST("/projects/:id/tools/apply", h.ApplyToolsHandler)
	owned.GET("/projects/:id/tools/images", h.ListVersions)

	ownedRaw := v1.Group("", RequireProjectOwnership(h.store))
	ownedRaw.GET("/projects/:id/tools/images/:version_id", h.DownloadVersion)
	ownedRaw.Any("/projects/:id/ws", h.ServeWS)
}

type projectDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

func toProjectDTO(p db.Project) projectDTO {
	return projectDTO{ID: p.ID, Name: p.Name, OwnerID: p.OwnerID, CreatedAt: p.CreatedAt}
}

// ListProjects returns every project owned by the caller.
func (h *Handlers) ListProjects(c echo.Context) error {
	principal, _ := GetPrincipal(c)
	projects, err := h.store.ListProjectsByOwner(principal.Subject)
	if err != nil {
		return apperror.Wrap(apperror.Database, "failed to list projects", err)
	}
	dtos := make([]projectDTO, 0, len(projects))
	for _, p := range projects {
		dtos = append(dtos, toProjectDTO(p))
	}
	return c.JSON(http.StatusOK, dtos)
}

type createProjectRequest struct {
	Name string `json:"name"`
}

// CreateProject creates a new project owned by the caller.
func (h *Handlers) CreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	principal, _ := GetPrincipal(c)
	project := &db.Project{
		ID:        uuid.NewString(),
		Name:      req.Name,
		OwnerID:   principal.Subject,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateProject(project); err != nil {
		return apperror.Wrap(apperror.Database, "failed to create project", err)
	}
	return c.JSON(http.StatusCreated, toProjectDTO(*project))
}

// GetProject returns the project loaded by the ownership middleware.
func (h *Handlers) GetProject(c echo.Context) error {
	project := c.Get("project").(*db.Project)
	return c.JSON(http.StatusOK, toProjectDTO(*project))
}

// DeleteProject removes a project's rows and its on-disk image directory.
// The filesystem removal is best-effort: the database deletion is
// authoritative (§9 open question decision).
func (h *Handlers) DeleteProject(c echo.Context) error {
	projectID := c.Param("id")
	if err := h.store.DeleteProject(projectID); err != nil {
		return apperror.Wrap(apperror.Database, "failed to delete project", err)
	}
	if err := os.RemoveAll(filepath.Join(h.imageRoot, projectID)); err != nil {
		h.log.WithError(err).WithField("project_id", projectID).Warn("failed to remove project directory")
	}
	return c.NoContent(http.StatusNoContent)
}

type imageDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"projectId"`
	CreatedAt time.Time `json:"createdAt"`
}

func toImageDTO(img db.Image) imageDTO {
	return imageDTO{ID: img.ID, Name: img.Name, ProjectID: img.ProjectID, CreatedAt: img.CreatedAt}
}

// UploadImages accepts a multipart form of image/* parts and/or zip parts,
// extracting every supported image extension from each zip, and records a
// db.Image row per resulting file.
func (h *Handlers) UploadImages(c echo.Context) error {
	projectID := c.Param("id")

	form, err := c.MultipartForm()
	if err != nil {
		return apperror.Wrap(apperror.MultipartMissing, "multipart form required", err)
	}

	projectDir := filepath.Join(h.imageRoot, projectID)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return apperror.Wrap(apperror.IO, "failed to prepare project directory", err)
	}

	var created []imageDTO
	for _, files := range form.File {
		for _, fh := range files {
			ext := strings.ToLower(filepath.Ext(fh.Filename))
			if ext == ".zip" || fh.Header.Get("Content-Type") == "application/zip" {
				imgs, err := h.extractZipPart(projectID, projectDir, fh)
				if err != nil {
					return err
				}
				created = append(created, imgs...)
				continue
			}
			if !archive.SupportedExtensions[ext] {
				return apperror.New(apperror.NotAnImage, fmt.Sprintf("unsupported file extension %q", ext))
			}
			img, err := h.storeImagePart(projectID, projectDir, fh)
			if err != nil {
				return err
			}
			created = append(created, toImageDTO(*img))
		}
	}
	if len(created) == 0 {
		return apperror.New(apperror.MultipartMissing, "no image or zip parts found in upload")
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handlers) storeImagePart(projectID, projectDir string, fh *multipart.FileHeader) (*db.Image, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, apperror.Wrap(apperror.IO, "failed to open uploaded image", err)
	}
	defer src.Close()

	id := uuid.NewString()
	ext := filepath.Ext(fh.Filename)
	dest, err := os.Create(filepath.Join(projectDir, id+ext))
	if err != nil {
		return nil, apperror.Wrap(apperror.IO, "failed to store uploaded image", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		return nil, apperror.Wrap(apperror.IO, "failed to store uploaded image", err)
	}

	img := &db.Image{ID: id, Name: fh.Filename, ProjectID: projectID, CreatedAt: time.Now().UTC()}
	if err := h.store.CreateImage(img); err != nil {
		return nil, apperror.Wrap(apperror.Database, "failed to record uploaded image", err)
	}
	return img, nil
}

func (h *Handlers) extractZipPart(projectID, projectDir string, fh *multipart.FileHeader) ([]imageDTO, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidZip, "failed to open uploaded archive", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "upload-*.zip")
	if err != nil {
		return nil, apperror.Wrap(apperror.IO, "failed to stage uploaded archive", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return nil, apperror.Wrap(apperror.IO, "failed to stage uploaded archive", err)
	}
	tmp.Close()

	extractDir, err := os.MkdirTemp("", "extract-*")
	if err != nil {
		return nil, apperror.Wrap(apperror.IO, "failed to prepare extraction directory", err)
	}
	defer os.RemoveAll(extractDir)

	extracted, err := archive.ExtractImages(tmp.Name(), extractDir)
	if err != nil {
		return nil, apperror.Wrap(apperror.InvalidZip, "failed to extract archive", err)
	}

	created := make([]imageDTO, 0, len(extracted))
	for _, file := range extracted {
		id := uuid.NewString()
		dest := filepath.Join(projectDir, id+filepath.Ext(file.Name))
		if err := os.Rename(file.Path, dest); err != nil {
			return nil, apperror.Wrap(apperror.IO, "failed to place extracted image", err)
		}
		img := &db.Image{ID: id, Name: file.Name, ProjectID: projectID, CreatedAt: time.Now().UTC()}
		if err := h.store.CreateImage(img); err != nil {
			return nil, apperror.Wrap(apperror.Database, "failed to record extracted image", err)
		}
		created = append(created, toImageDTO(*img))
	}
	return created, nil
}

// ListImages lists every source image in the project.
func (h *Handlers) ListImages(c echo.Context) error {
	projectID := c.Param("id")
	images, err := h.store.ListImages(projectID)
	if err != nil {
		return apperror.Wrap(apperror.Database, "failed to list images", err)
	}
	dtos := make([]imageDTO, 0, len(images))
	for _, img := range images {
		dtos = append(dtos, toImageDTO(img))
	}
	return c.JSON(http.StatusOK, dtos)
}

// GetImage returns one source image, scoped to the owning project.
func (h *Handlers) GetImage(c echo.Context) error {
	img, err := h.store.GetImage(c.Param("image_id"))
	if err != nil || img.ProjectID != c.Param("id") {
		return apperror.New(apperror.EntityNotFound, "image not found")
	}
	return c.JSON(http.StatusOK, toImageDTO(*img))
}

// DeleteImage removes a source image's row and on-disk file.
func (h *Handlers) DeleteImage(c echo.Context) error {
	projectID := c.Param("id")
	imageID := c.Param("image_id")

	img, err := h.store.GetImage(imageID)
	if err != nil || img.ProjectID != projectID {
		return apperror.New(apperror.EntityNotFound, "image not found")
	}

	if err := h.store.DeleteImage(imageID); err != nil {
		return apperror.Wrap(apperror.Database, "failed to delete image", err)
	}

	matches, _ := filepath.Glob(filepath.Join(h.imageRoot, projectID, imageID+".*"))
	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			h.log.WithError(err).WithField("image_id", imageID).Warn("failed to remove source image file")
		}
	}
	return c.NoContent(http.StatusNoContent)
}

type toolDTO struct {
	ID         string         `json:"id"`
	Position   int            `json:"position"`
	Procedure  string         `json:"procedure"`
	Parameters datatypes.JSON `json:"parameters,omitempty"`
}

func toToolDTO(t db.Tool) toolDTO {
	return toolDTO{ID: t.ID, Position: t.Position, Procedure: t.Procedure, Parameters: t.Parameters}
}

// ListTools returns the project's tool chain ordered by position.
func (h *Handlers) ListTools(c echo.Context) error {
	tools, err := h.store.ListTools(c.Param("id"))
	if err != nil {
		return apperror.Wrap(apperror.Database, "failed to list tools", err)
	}
	dtos := make([]toolDTO, 0, len(tools))
	for _, t := range tools {
		dtos = append(dtos, toToolDTO(t))
	}
	return c.JSON(http.StatusOK, dtos)
}

type toolRequest struct {
	Procedure  string         `json:"procedure"`
	Parameters datatypes.JSON `json:"parameters"`
}

// AddTool appends one tool to the end of the project's chain.
func (h *Handlers) AddTool(c echo.Context) error {
	var req toolRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Procedure) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "procedure is required")
	}

	tool, err := h.coord.AddTool(c.Param("id"), jobcoordinator.RequestedTool{Procedure: req.Procedure, Parameters: req.Parameters})
	if err != nil {
		return apperror.Wrap(apperror.Database, "failed to add tool", err)
	}
	return c.JSON(http.StatusCreated, toToolDTO(*tool))
}

// UpdateTools replaces the project's entire tool chain, invalidating every
// existing image version.
func (h *Handlers) UpdateTools(c echo.Context) error {
	var reqs []toolRequest
	if err := c.Bind(&reqs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	requested := make([]jobcoordinator.RequestedTool, 0, len(reqs))
	for _, r := range reqs {
		if strings.TrimSpace(r.Procedure) == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "procedure is required for every tool")
		}
		requested = append(requested, jobcoordinator.RequestedTool{Procedure: r.Procedure, Parameters: r.Parameters})
	}

	if err := h.coord.UpdateTools(c.Param("id"), requested); err != nil {
		return apperror.Wrap(apperror.Database, "failed to update tools", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type applyToolsRequest struct {
	ImageIDs []string `json:"imageIds"`
}

// ApplyToolsHandler starts a fresh run of the project's tool chain.
func (h *Handlers) ApplyToolsHandler(c echo.Context) error {
	var req applyToolsRequest
	_ = c.Bind(&req)

	principal, _ := GetPrincipal(c)
	if err := h.coord.ApplyTools(c.Param("id"), principal.Subject, req.ImageIDs); err != nil {
		return apperror.Wrap(apperror.BrokerController, "failed to apply tools", err)
	}
	return c.NoContent(http.StatusAccepted)
}

type versionDTO struct {
	ID              string    `json:"id"`
	OriginalImageID string    `json:"originalImageId"`
	ToolID          string    `json:"toolId"`
	TextResult      *string   `json:"textResult,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toVersionDTO(v db.ImageVersion) versionDTO {
	return versionDTO{ID: v.ID, OriginalImageID: v.OriginalImageID, ToolID: v.ToolID, TextResult: v.TextResult, CreatedAt: v.CreatedAt}
}

// ListVersions lists every image version produced so far for the project.
func (h *Handlers) ListVersions(c echo.Context) error {
	versions, err := h.store.ListImageVersionsByProject(c.Param("id"))
	if err != nil {
		return apperror.Wrap(apperror.Database, "failed to list image versions", err)
	}
	dtos := make([]versionDTO, 0, len(versions))
	for _, v := range versions {
		dtos = append(dtos, toVersionDTO(v))
	}
	return c.JSON(http.StatusOK, dtos)
}

// DownloadVersion serves the PNG file for an image version. Text-only
// versions (produced by ocr) have no on-disk file and return 404: the text
// result is only ever available via the push notification payload and the
// version's own JSON representation (§9 open question decision).
func (h *Handlers) DownloadVersion(c echo.Context) error {
	projectID := c.Param("id")
	versionID := c.Param("version_id")

	version, err := h.store.GetImageVersion(versionID)
	if err != nil || version.ProjectID != projectID {
		return apperror.New(apperror.EntityNotFound, "image version not found")
	}
	if version.TextResult != nil {
		return apperror.New(apperror.EntityNotFound, "image version has no downloadable file")
	}

	path := filepath.Join(h.imageRoot, projectID, "output", version.OriginalImageID, versionID+".png")
	if _, err := os.Stat(path); err != nil {
		return apperror.New(apperror.EntityNotFound, "image version file not found")
	}
	return c.File(path)
}

// ServeWS upgrades the connection to the project's push stream for the
// caller.
func (h *Handlers) ServeWS(c echo.Context) error {
	principal, _ := GetPrincipal(c)
	return h.push.ServeWS(c, c.Param("id"), principal.Subject)
}
