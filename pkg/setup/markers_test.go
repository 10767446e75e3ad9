package setup

import (
	"strings"
	"testing"
)

func TestParseStep(t *testing.T) {
	cases := []struct {
		line string
		ok   bool
		want Step
	}{
		{"[step 3/6] Installing Python requirements", true, Step{N: 3, Total: 6, Message: "Installing Python requirements"}},
		{"  [step 1/1] done\r", true, Step{N: 1, Total: 1, Message: "done"}},
		{"[step 7/6] overflow", false, Step{}},
		{"step 1/2 missing brackets", false, Step{}},
		{"Collecting torch", false, Step{}},
	}
	for _, tc := range cases {
		got, ok := ParseStep(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseStep(%q) = %#v, %v; want %#v, %v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLineScannerJoinsSplitChunks(t *testing.T) {
	var lines []string
	s := &lineScanner{onLine: func(l string) { lines = append(lines, l) }}
	s.Feed("[step 1/")
	s.Feed("2] first\r\nsecond\n[step")
	s.Feed(" 2/2] third")
	if len(lines) != 2 || lines[0] != "[step 1/2] first" || lines[1] != "second" {
		t.Fatalf("unexpected lines %q", lines)
	}
	s.Feed("\n")
	if lines[2] != "[step 2/2] third" {
		t.Fatalf("unexpected trailing line %q", lines[2])
	}
}

func TestEmbeddedScriptCarriesStepMarkers(t *testing.T) {
	script := string(DefaultScript())
	if !strings.Contains(script, "[step 1/$TOTAL]") {
		t.Fatalf("embedded script lost its progress markers")
	}
	if !strings.Contains(script, ManifestPath) {
		t.Fatalf("embedded script does not read the uploaded manifest")
	}
}

func TestManifestRenderLayout(t *testing.T) {
	out, err := Manifest{
		InstanceID:    "i1",
		InstallDir:    "/workspace/ComfyUI",
		InferencePort: 8188,
		Models:        []Model{{Name: "a.safetensors", URL: "https://example.com/a", Dir: "checkpoints"}},
	}.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(out)
	for _, want := range []string{"inference_port: 8188\n", "  - name: a.safetensors\n", "    url: https://example.com/a\n", "    dir: checkpoints\n"} {
		if !strings.Contains(text, want) {
			t.Fatalf("manifest missing %q:\n%s", want, text)
		}
	}
	if _, err := (Manifest{}).Render(); err == nil {
		t.Fatalf("expected error for manifest without port")
	}
}
