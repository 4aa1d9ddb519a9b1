package notes_test

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"

	"envtrack/internal/notes"
)

func TestParseAnnotationsAcceptsAllShapes(t *testing.T) {
	raw := `{"version":1,"objects":[
		{"type":"rect","x":0.1,"y":0.2,"width":0.3,"height":0.1,"stroke":"#ff3b30","strokeWidth":3},
		{"type":"circle","x":0.5,"y":0.5,"radius":0.07,"stroke":"#ff3b30","strokeWidth":3},
		{"type":"arrow","points":[0.1,0.1,0.3,0.3],"stroke":"#ff3b30","strokeWidth":3},
		{"type":"text","x":0.2,"y":0.8,"text":"crack here","fontSize":0.02,"fill":"#ffffff"}
	]}`
	a, err := notes.ParseAnnotations([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	kinds := make([]string, 0, len(a.Objects))
	for _, o := range a.Objects {
		kinds = append(kinds, string(o.Kind()))
	}
	if strings.Join(kinds, ",") != "rect,circle,arrow,text" {
		t.Fatalf("unexpected kinds %v", kinds)
	}

	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	again, err := notes.ParseAnnotations(out)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	out2, _ := json.Marshal(again)
	if string(out) != string(out2) {
		t.Fatalf("canonical form not stable:\n%s\n%s", out, out2)
	}
	if !strings.HasPrefix(string(out), `{"version":1,"objects":[{"type":"rect","x":0.1`) {
		t.Fatalf("unexpected canonical form %s", out)
	}
}

func TestParseAnnotationsEditorOutput(t *testing.T) {
	t.Run("rect drawn up and left", func(t *testing.T) {
		raw := `{"version":1,"objects":[{"type":"rect","x":0.5,"y":0.5,"width":-0.2,"height":-0.1,"stroke":"#ff3b30","strokeWidth":3}]}`
		a, err := notes.ParseAnnotations([]byte(raw))
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		rect, ok := a.Objects[0].(notes.Rect)
		if !ok {
			t.Fatalf("expected rect, got %T", a.Objects[0])
		}
		if !approx(rect.X, 0.3) || !approx(rect.Y, 0.4) || !approx(rect.Width, 0.2) || !approx(rect.Height, 0.1) {
			t.Fatalf("rect not normalized: %+v", rect)
		}
	})

	t.Run("arrow seeded at the right edge", func(t *testing.T) {
		raw := `{"version":1,"objects":[{"type":"arrow","points":[1,0.5,1.000333,0.500333],"stroke":"#ff3b30","strokeWidth":3}]}`
		if _, err := notes.ParseAnnotations([]byte(raw)); err != nil {
			t.Fatalf("parse failed: %v", err)
		}
	})

	t.Run("shape dragged off the image", func(t *testing.T) {
		raw := `{"version":1,"objects":[
			{"type":"rect","x":-0.05,"y":0.2,"width":0.3,"height":0.1,"stroke":"#ff3b30","strokeWidth":3},
			{"type":"text","x":1.1,"y":-0.02,"text":"edge","fontSize":0.02,"fill":"#ffffff"}
		]}`
		if _, err := notes.ParseAnnotations([]byte(raw)); err != nil {
			t.Fatalf("parse failed: %v", err)
		}
	})
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestParseAnnotationsEmpty(t *testing.T) {
	for _, raw := range []string{"", "  ", `{"version":1}`, `{"version":1,"objects":[]}`} {
		a, err := notes.ParseAnnotations([]byte(raw))
		if err != nil {
			t.Fatalf("%q: parse failed: %v", raw, err)
		}
		if len(a.Objects) != 0 {
			t.Fatalf("%q: expected no objects", raw)
		}
		out, _ := json.Marshal(a)
		if string(out) != `{"version":1,"objects":[]}` {
			t.Fatalf("%q: unexpected encoding %s", raw, out)
		}
	}
}

func TestParseAnnotationsRejects(t *testing.T) {
	cases := map[string]string{
		"wrong version":  `{"version":2,"objects":[]}`,
		"unknown shape":  `{"version":1,"objects":[{"type":"polygon","points":[0,0]}]}`,
		"unknown field":  `{"version":1,"objects":[{"type":"rect","x":0.1,"y":0.1,"width":0.1,"height":0.1,"stroke":"#fff","strokeWidth":2,"rotation":4}]}`,
		"out of range":   `{"version":1,"objects":[{"type":"circle","x":2.5,"y":0.1,"radius":0.1,"stroke":"#fff","strokeWidth":2}]}`,
		"far off image":  `{"version":1,"objects":[{"type":"arrow","points":[0.1,0.1,-1.2,0.3],"stroke":"#fff","strokeWidth":2}]}`,
		"wide rect":      `{"version":1,"objects":[{"type":"rect","x":0.9,"y":0.1,"width":-1.5,"height":0.1,"stroke":"#fff","strokeWidth":2}]}`,
		"zero width":     `{"version":1,"objects":[{"type":"rect","x":0.1,"y":0.1,"width":0,"height":0.1,"stroke":"#fff","strokeWidth":2}]}`,
		"bad colour":     `{"version":1,"objects":[{"type":"rect","x":0.1,"y":0.1,"width":0.1,"height":0.1,"stroke":"red","strokeWidth":2}]}`,
		"odd points":     `{"version":1,"objects":[{"type":"arrow","points":[0.1,0.1,0.2],"stroke":"#fff","strokeWidth":2}]}`,
		"empty text":     `{"version":1,"objects":[{"type":"text","x":0.1,"y":0.1,"text":" ","fontSize":0.02,"fill":"#fff"}]}`,
		"top-level junk": `{"version":1,"objects":[],"author":"x"}`,
		"not json":       `{"version":`,
	}
	for name, raw := range cases {
		if _, err := notes.ParseAnnotations([]byte(raw)); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestAnnotationsObjectLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"version":1,"objects":[`)
	for i := 0; i <= notes.MaxAnnotationObjects; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"type":"circle","x":0.5,"y":0.5,"radius":0.01,"stroke":"#000","strokeWidth":1}`)
	}
	b.WriteString("]}")
	if _, err := notes.ParseAnnotations([]byte(b.String())); err == nil {
		t.Fatal("expected rejection above the object limit")
	}
}
