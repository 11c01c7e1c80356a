package core

import (
	"encoding/json"
	"testing"
)

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Sure!\n```json\n{\"taskOrder\": [\"a\"]}\n```\nDone."
	raw, ok := ExtractJSON(text, "taskOrder")
	if !ok {
		t.Fatal("expected extraction")
	}
	var v map[string]interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatal(err)
	}
	if _, ok := v["taskOrder"]; !ok {
		t.Fatalf("parsed = %v", v)
	}
}

func TestExtractJSONBareObjectWithMarker(t *testing.T) {
	text := `The plan is {"taskOrder": ["a", 1], "parallelGroups": {"1": ["b"]}} as requested.`
	raw, ok := ExtractJSON(text, "taskOrder")
	if !ok {
		t.Fatalf("expected extraction from %q", text)
	}
	if !json.Valid(raw) {
		t.Fatal("extracted text is not valid JSON")
	}
}

func TestExtractJSONWholeString(t *testing.T) {
	raw, ok := ExtractJSON(`  {"quality": 0.5}  `, "")
	if !ok {
		t.Fatal("expected whole-string parse")
	}
	var v struct {
		Quality float64 `json:"quality"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.Quality != 0.5 {
		t.Fatalf("parsed %v, err %v", v, err)
	}
}

func TestExtractJSONNothingFound(t *testing.T) {
	if _, ok := ExtractJSON("just prose, no structure", "taskOrder"); ok {
		t.Fatal("expected extraction failure")
	}
}

func TestExtractJSONSkipsNonMatchingObjects(t *testing.T) {
	text := `{"other": 1} and later {"taskOrder": []}`
	raw, ok := ExtractJSON(text, "taskOrder")
	if !ok {
		t.Fatal("expected extraction of the second object")
	}
	var v map[string]interface{}
	_ = json.Unmarshal(raw, &v)
	if _, found := v["taskOrder"]; !found {
		t.Fatalf("wrong object extracted: %v", v)
	}
}
