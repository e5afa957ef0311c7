// Package jobcoordinator owns the per-image tool-chain state machine: it
// turns a project's ordered tool list into a sequence of broker requests,
// one per image per step, and advances each chain as the corresponding
// response arrives.
package jobcoordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"picturas.eve.evalgo.org/db"
	"picturas.eve.evalgo.org/pushchannel"
	"picturas.eve.evalgo.org/queue"
	"picturas.eve.evalgo.org/wireprotocol"
)

// RequestedTool is one entry of a caller-supplied tool list, as accepted by
// AddTool/UpdateTools before it is assigned a position and persisted.
type RequestedTool struct {
	Procedure  string
	Parameters datatypes.JSON
}

// chainState carries everything needed to resume a single image's tool
// chain once the in-flight step's response arrives.
type chainState struct {
	newImageID      string
	originalImageID string
	projectID       string
	userID          string
	inputPath       string
	outputPath      string
	remainingTools  []db.Tool
}

// inFlightJob is the value side of the in-flight job table: the tool that
// was just dispatched, and the state to resume from on its response.
type inFlightJob struct {
	toolID string
	state  chainState
}

// Store is the slice of db.Store the coordinator depends on, exposed as an
// interface so it can be exercised against a fake in tests the same way the
// Broker Controller's AMQP dependency is — see queue.AMQPConnection.
// *db.Store satisfies this without any adapter.
type Store interface {
	ListImages(projectID string) ([]db.Image, error)
	ListTools(projectID string) ([]db.Tool, error)
	CreateTool(t *db.Tool) error
	DeleteToolsByProject(projectID string) error
	DeleteImageVersionsByProject(projectID string) error
	CreateImageVersion(v *db.ImageVersion) error
}

// Config configures the filesystem and public-URL conventions the
// coordinator uses to derive image paths and push-notification URLs.
type Config struct {
	// ImageRoot is the shared filesystem root also mounted by the Tools
	// Service; <ImageRoot>/<project_id>/... holds source images and output/.
	ImageRoot string
	// PublicURL is prefixed onto the version-download path in push
	// notifications.
	PublicURL string
}

// Coordinator is the Job Coordinator (C4). Its in-flight job table is a
// mutex-guarded map, not a sync.Map: every key is written exactly twice
// (insert on dispatch, remove on response) and read once, which is exactly
// the access pattern a plain map plus mutex handles best.
type Coordinator struct {
	store  Store
	broker *queue.Broker
	push   *pushchannel.Registry
	config Config
	log    *logrus.Entry

	mu       sync.Mutex
	inFlight map[string]inFlightJob
}

// New constructs a Coordinator. store, broker, and push must already be
// initialized and ready for use.
func New(store Store, broker *queue.Broker, push *pushchannel.Registry, config Config, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		store:    store,
		broker:   broker,
		push:     push,
		config:   config,
		log:      log.WithField("component", "job_coordinator"),
		inFlight: make(map[string]inFlightJob),
	}
}

func (c *Coordinator) sourceImagePath(projectID, imageID, name string) string {
	return filepath.Join(c.config.ImageRoot, projectID, imageID+filepath.Ext(name))
}

func (c *Coordinator) outputPath(projectID, originalImageID, versionID string) string {
	return filepath.Join(c.config.ImageRoot, projectID, "output", originalImageID, versionID+".png")
}

func (c *Coordinator) downloadURL(projectID, versionID string) string {
	return fmt.Sprintf("%s/api/v1/projects/%s/tools/images/%s", c.config.PublicURL, projectID, versionID)
}

// clearPriorOutputs removes the output/ subtree and deletes every
// ImageVersion row for the project. The filesystem removal is best-effort
// (logged, not fatal); the database deletion is authoritative.
func (c *Coordinator) clearPriorOutputs(projectID string) error {
	outputDir := filepath.Join(c.config.ImageRoot, projectID, "output")
	if err := os.RemoveAll(outputDir); err != nil {
		c.log.WithError(err).WithField("project_id", projectID).Warn("failed to remove output directory subtree")
	}
	if err := c.store.DeleteImageVersionsByProject(projectID); err != nil {
		return fmt.Errorf("delete image versions: %w", err)
	}
	return nil
}

// ApplyTools clears prior outputs for the project, then starts a fresh
// chain for each of its source images (optionally filtered to imageIDs)
// against its current tool list ordered by position. A project with no
// tools attached is a no-op. Per-image dispatch failures are logged and do
// not prevent other images' chains from starting.
func (c *Coordinator) ApplyTools(projectID, userID string, imageIDs []string) error {
	tools, err := c.store.ListTools(projectID)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if len(tools) == 0 {
		return nil
	}
	for _, tool := range tools {
		if !c.broker.HasRoute(tool.Procedure) {
			return fmt.Errorf("tool %q has no configured route, not applying any chain", tool.Procedure)
		}
	}

	if err := c.clearPriorOutputs(projectID); err != nil {
		return err
	}

	images, err := c.store.ListImages(projectID)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(imageIDs) > 0 {
		wanted := make(map[string]bool, len(imageIDs))
		for _, id := range imageIDs {
			wanted[id] = true
		}
		filtered := images[:0]
		for _, img := range images {
			if wanted[img.ID] {
				filtered = append(filtered, img)
			}
		}
		images = filtered
	}

	for _, img := range images {
		newImageID := uuid.NewString()
		state := chainState{
			newImageID:      newImageID,
			originalImageID: img.ID,
			projectID:       projectID,
			userID:          userID,
			inputPath:       c.sourceImagePath(projectID, img.ID, img.Name),
			outputPath:      c.outputPath(projectID, img.ID, newImageID),
			remainingTools:  append([]db.Tool(nil), tools...),
		}
		if err := c.advanceChain(state); err != nil {
			c.log.WithError(err).WithField("image_id", img.ID).Error("failed to start tool chain")
		}
	}
	return nil
}

// toolParams adapts a Tool's opaque JSON parameters into the wire
// protocol's flat-merge representation: json.RawMessage marshals as its
// own bytes and unmarshals cleanly into RequestMessage's flat parameters
// map, so no per-procedure struct decode is needed on this side.
func toolParams(p datatypes.JSON) interface{} {
	if len(p) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(p)
}

// advanceChain pops the next tool off state.remainingTools, composes and
// publishes its request, and records the in-flight entry before
// publishing so a response can never race the insert.
func (c *Coordinator) advanceChain(state chainState) error {
	if len(state.remainingTools) == 0 {
		return nil
	}
	tool := state.remainingTools[0]
	next := state
	next.remainingTools = state.remainingTools[1:]

	messageID := uuid.NewString()
	req := wireprotocol.RequestMessage{
		MessageID:      messageID,
		Timestamp:      time.Now().UTC(),
		Procedure:      wireprotocol.Procedure(tool.Procedure),
		InputImageURI:  state.inputPath,
		OutputImageURI: state.outputPath,
		Params:         toolParams(tool.Parameters),
	}

	c.mu.Lock()
	c.inFlight[messageID] = inFlightJob{toolID: tool.ID, state: next}
	c.mu.Unlock()

	if err := c.broker.PublishRequest(req); err != nil {
		c.mu.Lock()
		delete(c.inFlight, messageID)
		c.mu.Unlock()
		return fmt.Errorf("publish request for tool %q: %w", tool.ID, err)
	}
	return nil
}

// Run drives the response-handling loop from the Broker Controller's
// results stream until ctx is cancelled or the stream closes.
func (c *Coordinator) Run(ctx context.Context) error {
	consumer, err := c.broker.CreateResultsConsumer()
	if err != nil {
		return fmt.Errorf("create results consumer: %w", err)
	}

	for {
		resp, err := consumer.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrConsumerClosed) {
				return err
			}
			c.log.WithError(err).Warn("malformed response message, skipping")
			continue
		}
		c.handleResponse(resp)
	}
}

// handleResponse implements one step of §4.4.3: look up and remove the
// correlated in-flight job, push a best-effort notification, and — on
// success with tools remaining — advance the chain.
func (c *Coordinator) handleResponse(resp wireprotocol.ResponseMessage) {
	c.mu.Lock()
	job, ok := c.inFlight[resp.CorrelationID]
	if ok {
		delete(c.inFlight, resp.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.WithField("correlation_id", resp.CorrelationID).Info("response for unknown or already-resolved correlation id, dropping")
		return
	}

	if resp.Status == wireprotocol.StatusError {
		errMsg := ""
		if resp.Error != nil {
			errMsg = resp.Error.Message
		}
		c.push.Publish(job.state.projectID, job.state.userID, pushchannel.Event{
			ProjectID:       job.state.projectID,
			OriginalImageID: job.state.originalImageID,
			Error:           errMsg,
		})
		return
	}

	version := &db.ImageVersion{
		ID:              job.state.newImageID,
		OriginalImageID: job.state.originalImageID,
		ProjectID:       job.state.projectID,
		ToolID:          job.toolID,
		CreatedAt:       time.Now().UTC(),
	}
	if resp.Output != nil && resp.Output.Type == wireprotocol.OutputTypeText {
		text := resp.Output.Text
		version.TextResult = &text
	}
	if err := c.store.CreateImageVersion(version); err != nil {
		c.log.WithError(err).WithField("version_id", version.ID).Error("failed to persist image version, on-disk file may be orphaned")
	}

	event := pushchannel.Event{
		ProjectID:       job.state.projectID,
		OriginalImageID: job.state.originalImageID,
		VersionID:       version.ID,
	}
	if version.TextResult != nil {
		event.TextResult = *version.TextResult
	} else {
		event.DownloadURL = c.downloadURL(job.state.projectID, version.ID)
	}
	c.push.Publish(job.state.projectID, job.state.userID, event)

	if len(job.state.remainingTools) > 0 {
		next := job.state
		next.inputPath = job.state.outputPath
		next.newImageID = uuid.NewString()
		next.outputPath = c.outputPath(job.state.projectID, job.state.originalImageID, next.newImageID)
		if err := c.advanceChain(next); err != nil {
			c.log.WithError(err).WithField("image_id", job.state.originalImageID).Error("failed to advance tool chain")
		}
	}
}

// AddTool appends a tool to the project's chain at the next position.
func (c *Coordinator) AddTool(projectID string, requested RequestedTool) (*db.Tool, error) {
	tools, err := c.store.ListTools(projectID)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	position := 1
	if len(tools) > 0 {
		position = tools[len(tools)-1].Position + 1
	}
	tool := &db.Tool{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Position:   position,
		Procedure:  requested.Procedure,
		Parameters: requested.Parameters,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.CreateTool(tool); err != nil {
		return nil, fmt.Errorf("create tool: %w", err)
	}
	return tool, nil
}

// UpdateTools clears prior outputs (invalidating every existing version)
// and replaces the project's entire tool list with requested, positioned
// 1..n in order.
func (c *Coordinator) UpdateTools(projectID string, requested []RequestedTool) error {
	if err := c.clearPriorOutputs(projectID); err != nil {
		return err
	}
	if err := c.store.DeleteToolsByProject(projectID); err != nil {
		return fmt.Errorf("delete tools: %w", err)
	}
	for i, r := range requested {
		tool := &db.Tool{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			Position:   i + 1,
			Procedure:  r.Procedure,
			Parameters: r.Parameters,
			CreatedAt:  time.Now().UTC(),
		}
		if err := c.store.CreateTool(tool); err != nil {
			return fmt.Errorf("create tool at position %d: %w", i+1, err)
		}
	}
	return nil
}
