package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picturas.eve.evalgo.org/db"
	"picturas.eve.evalgo.org/jobcoordinator"
	"picturas.eve.evalgo.org/pushchannel"
	"picturas.eve.evalgo.org/security"
)

type fakeStore struct {
	projects map[string]*db.Project
	images   map[string]*db.Image
	tools    map[string][]db.Tool
	versions map[string]*db.ImageVersion
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: map[string]*db.Project{},
		images:   map[string]*db.Image{},
		tools:    map[string][]db.Tool{},
		versions: map[string]*db.ImageVersion{},
	}
}

func (f *fakeStore) GetProject(id string) (*db.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return p, nil
}

func (f *fakeStore) CreateProject(p *db.Project) error {
	f.projects[p.ID] = p
	return nil
}

func (f *fakeStore) ListProjectsByOwner(ownerID string) ([]db.Project, error) {
	var out []db.Project
	for _, p := range f.projects {
		if p.OwnerID == ownerID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteProject(id string) error {
	delete(f.projects, id)
	return nil
}

func (f *fakeStore) CreateImage(img *db.Image) error {
	f.images[img.ID] = img
	return nil
}

func (f *fakeStore) GetImage(id string) (*db.Image, error) {
	img, ok := f.images[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return img, nil
}

func (f *fakeStore) ListImages(projectID string) ([]db.Image, error) {
	var out []db.Image
	for _, img := range f.images {
		if img.ProjectID == projectID {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteImage(id string) error {
	delete(f.images, id)
	return nil
}

func (f *fakeStore) ListTools(projectID string) ([]db.Tool, error) {
	return f.tools[projectID], nil
}

func (f *fakeStore) ListImageVersionsByProject(projectID string) ([]db.ImageVersion, error) {
	var out []db.ImageVersion
	for _, v := range f.versions {
		if v.ProjectID == projectID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) GetImageVersion(id string) (*db.ImageVersion, error) {
	v, ok := f.versions[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return v, nil
}

type fakeCoordinator struct {
	appliedProject string
	appliedUser    string
	appliedImages  []string
	addedTool      jobcoordinator.RequestedTool
	updatedTools   []jobcoordinator.RequestedTool
	applyErr       error
}

func (f *fakeCoordinator) ApplyTools(projectID, userID string, imageIDs []string) error {
	f.appliedProject, f.appliedUser, f.appliedImages = projectID, userID, imageIDs
	return f.applyErr
}

func (f *fakeCoordinator) AddTool(projectID string, tool jobcoordinator.RequestedTool) (*db.Tool, error) {
	f.addedTool = tool
	return &db.Tool{ID: "tool-1", ProjectID: projectID, Position: 1, Procedure: tool.Procedure, Parameters: tool.Parameters}, nil
}

func (f *fakeCoordinator) UpdateTools(projectID string, tools []jobcoordinator.RequestedTool) error {
	f.updatedTools = tools
	return nil
}

func newTestHandlers(t *testing.T) (*Handlers, *fakeStore, *fakeCoordinator) {
	t.Helper()
	store := newFakeStore()
	coord := &fakeCoordinator{}
	h := NewHandlers(store, coord, pushchannel.New(nil), t.TempDir(), nil)
	return h, store, coord
}

func withPrincipalAndProject(c echo.Context, project *db.Project, subject string) {
	SetPrincipal(c, security.Principal{Subject: subject})
	c.SetParamNames("id")
	c.SetParamValues(project.ID)
	c.Set("project", project)
}

func TestCreateProject_PersistsOwnedByCaller(t *testing.T) {
	h, store, _ := newTestHandlers(t)

	body := bytes.NewBufferString(`{"name":"my project"}`)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	SetPrincipal(c, security.Principal{Subject: "user-1"})

	require.NoError(t, h.CreateProject(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, store.projects, 1)
	for _, p := range store.projects {
		assert.Equal(t, "user-1", p.OwnerID)
		assert.Equal(t, "my project", p.Name)
	}
}

func TestCreateProject_RejectsEmptyName(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	body := bytes.NewBufferString(`{"name":""}`)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	SetPrincipal(c, security.Principal{Subject: "user-1"})

	err := h.CreateProject(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestListProjects_ScopesToOwner(t *testing.T) {
	h, store, _ := newTestHandlers(t)
	store.projects["p1"] = &db.Project{ID: "p1", OwnerID: "user-1", Name: "a"}
	store.projects["p2"] = &db.Project{ID: "p2", OwnerID: "user-2", Name: "b"}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	SetPrincipal(c, security.Principal{Subject: "user-1"})

	require.NoError(t, h.ListProjects(c))
	var got []projectDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
}

func TestDeleteProject_RemovesRowAndDirectory(t *testing.T) {
	h, store, _ := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}
	store.projects["p1"] = project
	require.NoError(t, os.MkdirAll(filepath.Join(h.imageRoot, "p1"), 0o755))

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/projects/p1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")

	require.NoError(t, h.DeleteProject(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := store.projects["p1"]
	assert.False(t, ok)
	_, err := os.Stat(filepath.Join(h.imageRoot, "p1"))
	assert.True(t, os.IsNotExist(err))
}

func newMultipartImageUpload(t *testing.T, fieldName, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(fieldName, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUploadImages_StoresImagePart(t *testing.T) {
	h, store, _ := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}
	store.projects["p1"] = project

	body, contentType := newMultipartImageUpload(t, "file", "a.png", []byte("not a real png but bytes"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/images", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")

	require.NoError(t, h.UploadImages(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, store.images, 1)
	for _, img := range store.images {
		assert.Equal(t, "a.png", img.Name)
		assert.Equal(t, "p1", img.ProjectID)
		matches, _ := filepath.Glob(filepath.Join(h.imageRoot, "p1", img.ID+".*"))
		assert.Len(t, matches, 1)
	}
}

func TestUploadImages_RejectsUnsupportedExtension(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}

	body, contentType := newMultipartImageUpload(t, "file", "a.exe", []byte("binary"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/images", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")

	err := h.UploadImages(c)
	require.Error(t, err)
}

func TestUploadImages_ExtractsZip(t *testing.T) {
	h, store, _ := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}
	store.projects["p1"] = project

	zipBuf := &bytes.Buffer{}
	zw := zip.NewWriter(zipBuf)
	w, err := zw.Create("photo.jpg")
	require.NoError(t, err)
	_, err = w.Write([]byte("jpeg bytes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	body, contentType := newMultipartImageUpload(t, "file", "batch.zip", zipBuf.Bytes())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/images", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")

	require.NoError(t, h.UploadImages(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, store.images, 1)
	for _, img := range store.images {
		assert.Equal(t, "photo.jpg", img.Name)
	}
}

func TestGetImage_404sOutsideOwningProject(t *testing.T) {
	h, store, _ := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}
	store.images["img-1"] = &db.Image{ID: "img-1", ProjectID: "other-project", Name: "a.png"}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/images/img-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")
	c.SetParamNames("id", "image_id")
	c.SetParamValues("p1", "img-1")

	err := h.GetImage(c)
	require.Error(t, err)
}

func TestAddTool_DelegatesToCoordinator(t *testing.T) {
	h, store, coord := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}
	store.projects["p1"] = project

	body := bytes.NewBufferString(`{"procedure":"grayscale"}`)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/tools", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")

	require.NoError(t, h.AddTool(c))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "grayscale", coord.addedTool.Procedure)
}

func TestApplyToolsHandler_PassesImageFilterAndCaller(t *testing.T) {
	h, store, coord := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}
	store.projects["p1"] = project

	body := bytes.NewBufferString(`{"imageIds":["img-1","img-2"]}`)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/tools/apply", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")

	require.NoError(t, h.ApplyToolsHandler(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "p1", coord.appliedProject)
	assert.Equal(t, "user-1", coord.appliedUser)
	assert.Equal(t, []string{"img-1", "img-2"}, coord.appliedImages)
}

func TestDownloadVersion_404sForTextOnlyVersion(t *testing.T) {
	h, store, _ := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}
	store.projects["p1"] = project
	text := "recognized text"
	store.versions["v1"] = &db.ImageVersion{ID: "v1", ProjectID: "p1", OriginalImageID: "img-1", TextResult: &text}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/tools/images/v1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")
	c.SetParamNames("id", "version_id")
	c.SetParamValues("p1", "v1")

	err := h.DownloadVersion(c)
	require.Error(t, err)
}

func TestDownloadVersion_ServesFileForImageVersion(t *testing.T) {
	h, store, _ := newTestHandlers(t)
	project := &db.Project{ID: "p1", OwnerID: "user-1"}
	store.projects["p1"] = project
	store.versions["v1"] = &db.ImageVersion{ID: "v1", ProjectID: "p1", OriginalImageID: "img-1"}

	outDir := filepath.Join(h.imageRoot, "p1", "output", "img-1")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "v1.png"), []byte("png bytes"), 0o644))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/tools/images/v1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	withPrincipalAndProject(c, project, "user-1")
	c.SetParamNames("id", "version_id")
	c.SetParamValues("p1", "v1")

	require.NoError(t, h.DownloadVersion(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png bytes", rec.Body.String())
}
