package workflows_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/studio/backend/pkg/inference"
	"github.com/vyvo/studio/backend/pkg/logging"
	"github.com/vyvo/studio/backend/pkg/workflows"
)

const apiGraph = `{
  "3": {"class_type": "KSampler", "inputs": {"positive": ["6", 0], "negative": ["7", 0], "model": ["10", 0]}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "sd_xl_base_1.0.safetensors"}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 1]}},
  "7": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 1]}},
  "10": {"class_type": "LoraLoader", "inputs": {"lora_name": "detail.safetensors", "model": ["4", 0]}},
  "11": {"class_type": "VAELoader", "inputs": {"vae_name": "sdxl_vae.safetensors"}}
}`

const editorGraph = `{
  "nodes": [
    {"id": 4, "type": "CheckpointLoaderSimple", "widgets_values": ["dreamshaper_8.safetensors"]},
    {"id": 9, "type": "LoraLoader", "widgets_values": ["film.safetensors", 1, 1]},
    {"id": 12, "type": "Custom", "inputs": {"ckpt_name": "inline.safetensors"}},
    {"id": 13, "type": "CLIPTextEncode", "widgets_values": ["a prompt"]}
  ],
  "links": []
}`

func TestExtractModelsAPIFormat(t *testing.T) {
	models, err := workflows.ExtractModels(json.RawMessage(apiGraph))
	require.NoError(t, err)
	assert.Equal(t, []workflows.RequiredModel{
		{Name: "sd_xl_base_1.0.safetensors", Type: workflows.ModelCheckpoint, Required: true},
		{Name: "detail.safetensors", Type: workflows.ModelLoRA, Required: true},
		{Name: "sdxl_vae.safetensors", Type: workflows.ModelVAE, Required: true},
	}, models)
}

func TestExtractModelsEditorExport(t *testing.T) {
	models, err := workflows.ExtractModels(json.RawMessage(editorGraph))
	require.NoError(t, err)
	assert.Equal(t, []workflows.RequiredModel{
		{Name: "dreamshaper_8.safetensors", Type: workflows.ModelCheckpoint, Required: true},
		{Name: "inline.safetensors", Type: workflows.ModelCheckpoint, Required: true},
		{Name: "film.safetensors", Type: workflows.ModelLoRA, Required: true},
	}, models)
}

func TestExtractModelsRejectsNonObject(t *testing.T) {
	_, err := workflows.ExtractModels(json.RawMessage(`[1,2]`))
	assert.True(t, errors.Is(err, workflows.ErrInvalid))
}

func TestCatalogCreateAndTemplate(t *testing.T) {
	c := workflows.NewCatalog(workflows.NewMemStore(), logging.Discard())

	_, err := c.Create(workflows.Input{Graph: json.RawMessage(apiGraph)})
	assert.True(t, errors.Is(err, workflows.ErrInvalid))

	w, err := c.Create(workflows.Input{Name: " sdxl ", Graph: json.RawMessage(apiGraph)})
	require.NoError(t, err)
	assert.Equal(t, "sdxl", w.Name)
	assert.Len(t, w.Models, 3)

	tmpl, err := c.Template(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "CheckpointLoaderSimple", tmpl["4"].ClassType)

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.Delete(w.ID))
	_, err = c.Get(w.ID)
	assert.True(t, errors.Is(err, workflows.ErrNotFound))
}

func TestCatalogTemplateRejectsEditorExport(t *testing.T) {
	c := workflows.NewCatalog(workflows.NewMemStore(), logging.Discard())
	w, err := c.Create(workflows.Input{Name: "ui", Graph: json.RawMessage(editorGraph)})
	require.NoError(t, err)

	_, err = c.Template(context.Background(), w.ID)
	assert.True(t, errors.Is(err, inference.ErrUnsupportedGraph))
}

func TestSyncModelsKeepsExistingEntries(t *testing.T) {
	store := workflows.NewMemStore()
	manual := &workflows.Workflow{
		Name:   "manual",
		Graph:  json.RawMessage(apiGraph),
		Models: []workflows.RequiredModel{{Name: "upscaler.pth", Type: "upscale", Required: false}},
	}
	created, err := store.Create(manual)
	require.NoError(t, err)

	c := workflows.NewCatalog(store, logging.Discard())
	res, err := c.SyncModels(created.ID)
	require.NoError(t, err)
	assert.Len(t, res.Found, 3)
	require.Len(t, res.Workflow.Models, 4)
	assert.Equal(t, "upscaler.pth", res.Workflow.Models[0].Name)

	again, err := c.SyncModels(created.ID)
	require.NoError(t, err)
	assert.Len(t, again.Workflow.Models, 4, "sync must be idempotent")

	_, err = c.SyncModels("missing")
	assert.True(t, errors.Is(err, workflows.ErrNotFound))
}

func TestMigrationsAreOrdered(t *testing.T) {
	names, err := workflows.Migrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_workflows.sql", "0002_workflow_models.sql"}, names)
}
