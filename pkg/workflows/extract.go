package workflows

import (
	"encoding/json"
	"fmt"
	"sort"
)

var modelInputs = map[string]ModelType{
	"ckpt_name": ModelCheckpoint,
	"lora_name": ModelLoRA,
	"vae_name":  ModelVAE,
}

// Loader classes whose first widget value names the model in editor exports.
var loaderWidgets = map[string]ModelType{
	"CheckpointLoaderSimple": ModelCheckpoint,
	"CheckpointLoader":       ModelCheckpoint,
	"LoraLoader":             ModelLoRA,
	"LoraLoaderModelOnly":    ModelLoRA,
	"VAELoader":              ModelVAE,
}

type editorExport struct {
	Nodes []struct {
		Type          string          `json:"type"`
		Inputs        json.RawMessage `json:"inputs"`
		WidgetsValues json.RawMessage `json:"widgets_values"`
	} `json:"nodes"`
}

type apiNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// ExtractModels lists the model files a graph loads. Both the submit format
// (node id -> node) and editor exports (a "nodes" list) are understood.
// Results are sorted by type, then name.
func ExtractModels(raw json.RawMessage) ([]RequiredModel, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: graph must be a JSON object: %v", ErrInvalid, err)
	}

	found := map[string]RequiredModel{}
	add := func(name string, typ ModelType) {
		if name == "" {
			return
		}
		if _, ok := found[name]; !ok {
			found[name] = RequiredModel{Name: name, Type: typ, Required: true}
		}
	}

	if _, ok := probe["nodes"]; ok {
		var export editorExport
		if err := json.Unmarshal(raw, &export); err != nil {
			return nil, fmt.Errorf("%w: decode editor export: %v", ErrInvalid, err)
		}
		for _, node := range export.Nodes {
			// Some exports inline widget values as named inputs.
			var named map[string]any
			if json.Unmarshal(node.Inputs, &named) == nil {
				for key, typ := range modelInputs {
					if name, ok := named[key].(string); ok {
						add(name, typ)
					}
				}
			}
			typ, ok := loaderWidgets[node.Type]
			if !ok {
				continue
			}
			var widgets []any
			if json.Unmarshal(node.WidgetsValues, &widgets) == nil && len(widgets) > 0 {
				if name, ok := widgets[0].(string); ok {
					add(name, typ)
				}
			}
		}
	} else {
		for id, nodeRaw := range probe {
			var node apiNode
			if err := json.Unmarshal(nodeRaw, &node); err != nil {
				return nil, fmt.Errorf("%w: decode node %s: %v", ErrInvalid, id, err)
			}
			for key, typ := range modelInputs {
				if name, ok := node.Inputs[key].(string); ok {
					add(name, typ)
				}
			}
		}
	}

	models := make([]RequiredModel, 0, len(found))
	for _, m := range found {
		models = append(models, m)
	}
	sort.Slice(models, func(a, b int) bool {
		if models[a].Type != models[b].Type {
			return models[a].Type < models[b].Type
		}
		return models[a].Name < models[b].Name
	})
	return models, nil
}
