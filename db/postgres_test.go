package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestProject_Structure(t *testing.T) {
	now := time.Now()
	p := Project{
		ID:        "proj-1",
		Name:      "vacation photos",
		OwnerID:   "user-1",
		CreatedAt: now,
		UpdatedAt: now,
	}

	assert.Equal(t, "proj-1", p.ID)
	assert.Equal(t, "vacation photos", p.Name)
	assert.Equal(t, "user-1", p.OwnerID)
}

func TestImage_Structure(t *testing.T) {
	img := Image{
		ID:        "img-1",
		Name:      "beach.jpg",
		ProjectID: "proj-1",
	}

	assert.Equal(t, "img-1", img.ID)
	assert.Equal(t, "beach.jpg", img.Name)
	assert.Equal(t, "proj-1", img.ProjectID)
}

func TestTool_PositionOrdering(t *testing.T) {
	tools := []Tool{
		{ID: "t1", ProjectID: "proj-1", Position: 1, Procedure: "rotate", Parameters: datatypes.JSON(`{"angle":90}`)},
		{ID: "t2", ProjectID: "proj-1", Position: 2, Procedure: "grayscale"},
	}

	for i, tool := range tools {
		assert.Equal(t, i+1, tool.Position)
	}
	assert.Equal(t, "rotate", tools[0].Procedure)
	assert.JSONEq(t, `{"angle":90}`, string(tools[0].Parameters))
}

func TestImageVersion_ImageOutcomeHasNoTextResult(t *testing.T) {
	v := ImageVersion{
		ID:              "v1",
		OriginalImageID: "img-1",
		ProjectID:       "proj-1",
		ToolID:          "t1",
	}
	assert.Nil(t, v.TextResult)
}

func TestImageVersion_TextOutcomeHasTextResult(t *testing.T) {
	text := "extracted text"
	v := ImageVersion{
		ID:              "v2",
		OriginalImageID: "img-1",
		ProjectID:       "proj-1",
		ToolID:          "t2",
		TextResult:      &text,
	}
	assert.NotNil(t, v.TextResult)
	assert.Equal(t, "extracted text", *v.TextResult)
}
