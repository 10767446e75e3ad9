package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupportedGraph is returned for graphs that cannot be submitted as-is,
// such as editor exports that lack class types.
var ErrUnsupportedGraph = errors.New("unsupported job graph")

// Node is one step in a job graph. Links to other nodes are encoded as
// [nodeID, outputIndex] pairs inside Inputs.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph maps node ids to nodes, the shape the submit endpoint expects.
type Graph map[string]Node

// Params are the tunable generation parameters. Zero values keep whatever
// the template graph specifies.
type Params struct {
	Checkpoint string  `json:"checkpoint,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Steps      int     `json:"steps,omitempty"`
	CFG        float64 `json:"cfg,omitempty"`
	Seed       *int64  `json:"seed,omitempty"`
	Sampler    string  `json:"sampler,omitempty"`
	Scheduler  string  `json:"scheduler,omitempty"`
	Denoise    float64 `json:"denoise,omitempty"`
	BatchSize  int     `json:"batchSize,omitempty"`
}

// DefaultGraph is a plain text-to-image pipeline.
func DefaultGraph() Graph {
	return Graph{
		"3": {ClassType: "KSampler", Inputs: map[string]any{
			"seed":         int64(156680208700286),
			"steps":        20,
			"cfg":          8.0,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1.0,
			"model":        []any{"4", 0},
			"positive":     []any{"6", 0},
			"negative":     []any{"7", 0},
			"latent_image": []any{"5", 0},
		}},
		"4": {ClassType: "CheckpointLoaderSimple", Inputs: map[string]any{
			"ckpt_name": "v1-5-pruned-emaonly.safetensors",
		}},
		"5": {ClassType: "EmptyLatentImage", Inputs: map[string]any{
			"width":      512,
			"height":     512,
			"batch_size": 1,
		}},
		"6": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": "",
			"clip": []any{"4", 1},
		}},
		"7": {ClassType: "CLIPTextEncode", Inputs: map[string]any{
			"text": "",
			"clip": []any{"4", 1},
		}},
		"8": {ClassType: "VAEDecode", Inputs: map[string]any{
			"samples": []any{"3", 0},
			"vae":     []any{"4", 2},
		}},
		"9": {ClassType: "SaveImage", Inputs: map[string]any{
			"filename_prefix": "studio",
			"images":          []any{"8", 0},
		}},
	}
}

// ParseGraph decodes a stored template. Editor exports with a "nodes" list
// are rejected; only the submit format is accepted.
func ParseGraph(raw json.RawMessage) (Graph, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedGraph, err)
	}
	if _, ok := probe["nodes"]; ok {
		return nil, fmt.Errorf("%w: editor export, save the workflow in API format", ErrUnsupportedGraph)
	}
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedGraph, err)
	}
	for id, node := range g {
		if node.ClassType == "" {
			return nil, fmt.Errorf("%w: node %s has no class_type", ErrUnsupportedGraph, id)
		}
	}
	return g, nil
}

// Clone deep-copies the graph so templates are never mutated.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		inputs := make(map[string]any, len(node.Inputs))
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		out[id] = Node{ClassType: node.ClassType, Inputs: inputs}
	}
	return out
}

// nodeIDs returns ids of the given class in a stable order.
func (g Graph) nodeIDs(classType string) []string {
	var ids []string
	for id, node := range g {
		if node.ClassType == classType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// BuildGraph merges the prompt and parameters into a copy of template.
func BuildGraph(template Graph, prompt, negative string, p Params) (Graph, error) {
	if template == nil {
		template = DefaultGraph()
	}
	g := template.Clone()

	samplers := g.nodeIDs("KSampler")
	if len(samplers) > 0 {
		sampler := g[samplers[0]]
		if !setLinkedText(g, sampler.Inputs["positive"], prompt) {
			return nil, fmt.Errorf("%w: sampler has no positive text encoder", ErrUnsupportedGraph)
		}
		if negative != "" {
			setLinkedText(g, sampler.Inputs["negative"], negative)
		}
		setIf(sampler.Inputs, "steps", p.Steps, p.Steps > 0)
		setIf(sampler.Inputs, "cfg", p.CFG, p.CFG > 0)
		setIf(sampler.Inputs, "sampler_name", p.Sampler, p.Sampler != "")
		setIf(sampler.Inputs, "scheduler", p.Scheduler, p.Scheduler != "")
		setIf(sampler.Inputs, "denoise", p.Denoise, p.Denoise > 0)
		if p.Seed != nil {
			sampler.Inputs["seed"] = *p.Seed
		}
	} else {
		encoders := g.nodeIDs("CLIPTextEncode")
		if len(encoders) == 0 {
			return nil, fmt.Errorf("%w: no text encoder to receive the prompt", ErrUnsupportedGraph)
		}
		g[encoders[0]].Inputs["text"] = prompt
	}

	for _, id := range g.nodeIDs("EmptyLatentImage") {
		inputs := g[id].Inputs
		setIf(inputs, "width", p.Width, p.Width > 0)
		setIf(inputs, "height", p.Height, p.Height > 0)
		setIf(inputs, "batch_size", p.BatchSize, p.BatchSize > 0)
	}
	if p.Checkpoint != "" {
		for _, id := range g.nodeIDs("CheckpointLoaderSimple") {
			g[id].Inputs["ckpt_name"] = p.Checkpoint
		}
	}
	return g, nil
}

// setLinkedText follows a [nodeID, index] link to a text encoder.
func setLinkedText(g Graph, link any, text string) bool {
	pair, ok := link.([]any)
	if !ok || len(pair) == 0 {
		return false
	}
	id, ok := pair[0].(string)
	if !ok {
		return false
	}
	node, ok := g[id]
	if !ok || node.ClassType != "CLIPTextEncode" {
		return false
	}
	node.Inputs["text"] = text
	return true
}

func setIf(inputs map[string]any, key string, value any, ok bool) {
	if ok {
		inputs[key] = value
	}
}
