package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// AnnotationsVersion is the only annotation document version accepted.
const AnnotationsVersion = 1

// MaxAnnotationObjects bounds the number of shapes on one image.
const MaxAnnotationObjects = 200

const (
	maxStrokeWidth = 50
	maxTextLength  = 500
	maxArrowPoints = 64

	// Shapes dragged partly off the image keep positions outside [0, 1].
	minPosition = -1.0
	maxPosition = 2.0
)

var colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// ShapeKind tags one annotation object.
type ShapeKind string

const (
	ShapeRect   ShapeKind = "rect"
	ShapeCircle ShapeKind = "circle"
	ShapeArrow  ShapeKind = "arrow"
	ShapeText   ShapeKind = "text"
)

// Shape is one freehand marker drawn over an image. Positions and sizes are
// fractions of the image width or height.
type Shape interface {
	Kind() ShapeKind
	validate() error
}

// Rect is an outlined rectangle. X, Y is the top-left corner once parsed.
type Rect struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Stroke      string  `json:"stroke"`
	StrokeWidth float64 `json:"strokeWidth"`
}

// Circle is an outlined circle centred on X, Y.
type Circle struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Radius      float64 `json:"radius"`
	Stroke      string  `json:"stroke"`
	StrokeWidth float64 `json:"strokeWidth"`
}

// Arrow is a polyline with an arrow head at its last point. Points holds
// x1, y1, x2, y2, ...
type Arrow struct {
	Points      []float64 `json:"points"`
	Stroke      string    `json:"stroke"`
	StrokeWidth float64   `json:"strokeWidth"`
}

// Text is a label anchored at X, Y.
type Text struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize"`
	Fill     string  `json:"fill"`
}

func (Rect) Kind() ShapeKind   { return ShapeRect }
func (Circle) Kind() ShapeKind { return ShapeCircle }
func (Arrow) Kind() ShapeKind  { return ShapeArrow }
func (Text) Kind() ShapeKind   { return ShapeText }

func position(name string, v float64) error {
	if v < minPosition || v > maxPosition {
		return fmt.Errorf("%s must be within [%g, %g]", name, minPosition, maxPosition)
	}
	return nil
}

func positive(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be within (0, 1]", name)
	}
	return nil
}

func stroke(color string, width float64) error {
	if !colorPattern.MatchString(color) {
		return fmt.Errorf("stroke %q is not a hex colour", color)
	}
	if width <= 0 || width > maxStrokeWidth {
		return fmt.Errorf("strokeWidth must be within (0, %d]", maxStrokeWidth)
	}
	return nil
}

// normalized turns a rectangle drawn up or to the left, which arrives with a
// negative width or height, into the same area with positive extents.
func (r Rect) normalized() Rect {
	if r.Width < 0 {
		r.X += r.Width
		r.Width = -r.Width
	}
	if r.Height < 0 {
		r.Y += r.Height
		r.Height = -r.Height
	}
	return r
}

func (r Rect) validate() error {
	return errors.Join(position("x", r.X), position("y", r.Y), positive("width", r.Width), positive("height", r.Height), stroke(r.Stroke, r.StrokeWidth))
}

func (c Circle) validate() error {
	return errors.Join(position("x", c.X), position("y", c.Y), positive("radius", c.Radius), stroke(c.Stroke, c.StrokeWidth))
}

func (a Arrow) validate() error {
	if len(a.Points) < 4 || len(a.Points)%2 != 0 || len(a.Points) > maxArrowPoints {
		return fmt.Errorf("points must hold between 2 and %d coordinate pairs", maxArrowPoints/2)
	}
	for i, p := range a.Points {
		if err := position(fmt.Sprintf("points[%d]", i), p); err != nil {
			return err
		}
	}
	return stroke(a.Stroke, a.StrokeWidth)
}

func (t Text) validate() error {
	var errs []error
	if strings.TrimSpace(t.Text) == "" {
		errs = append(errs, errors.New("text is required"))
	} else if utf8.RuneCountInString(t.Text) > maxTextLength {
		errs = append(errs, fmt.Errorf("text exceeds %d characters", maxTextLength))
	}
	if !colorPattern.MatchString(t.Fill) {
		errs = append(errs, fmt.Errorf("fill %q is not a hex colour", t.Fill))
	}
	errs = append(errs, position("x", t.X), position("y", t.Y), positive("fontSize", t.FontSize))
	return errors.Join(errs...)
}

// Annotations is the marker document stored with an image.
type Annotations struct {
	Version int
	Objects []Shape
}

// EmptyAnnotations returns a document with no shapes.
func EmptyAnnotations() Annotations {
	return Annotations{Version: AnnotationsVersion, Objects: []Shape{}}
}

// Validate checks the version, the object count, and every shape.
func (a Annotations) Validate() error {
	if a.Version != AnnotationsVersion {
		return fmt.Errorf("annotations version must be %d", AnnotationsVersion)
	}
	if len(a.Objects) > MaxAnnotationObjects {
		return fmt.Errorf("annotations hold at most %d objects", MaxAnnotationObjects)
	}
	for i, shape := range a.Objects {
		if shape == nil {
			return fmt.Errorf("objects[%d] is empty", i)
		}
		if err := shape.validate(); err != nil {
			return fmt.Errorf("objects[%d] (%s): %w", i, shape.Kind(), err)
		}
	}
	return nil
}

type annotationsDoc struct {
	Version int               `json:"version"`
	Objects []json.RawMessage `json:"objects"`
}

// MarshalJSON renders each shape with its "type" tag first.
func (a Annotations) MarshalJSON() ([]byte, error) {
	doc := annotationsDoc{Version: a.Version, Objects: make([]json.RawMessage, 0, len(a.Objects))}
	for _, shape := range a.Objects {
		raw, err := marshalShape(shape)
		if err != nil {
			return nil, err
		}
		doc.Objects = append(doc.Objects, raw)
	}
	return json.Marshal(doc)
}

func marshalShape(shape Shape) ([]byte, error) {
	switch s := shape.(type) {
	case Rect:
		return json.Marshal(struct {
			Type ShapeKind `json:"type"`
			Rect
		}{ShapeRect, s})
	case Circle:
		return json.Marshal(struct {
			Type ShapeKind `json:"type"`
			Circle
		}{ShapeCircle, s})
	case Arrow:
		return json.Marshal(struct {
			Type ShapeKind `json:"type"`
			Arrow
		}{ShapeArrow, s})
	case Text:
		return json.Marshal(struct {
			Type ShapeKind `json:"type"`
			Text
		}{ShapeText, s})
	default:
		return nil, fmt.Errorf("unsupported shape %T", shape)
	}
}

// UnmarshalJSON decodes a document, rejecting unknown shape types and
// unknown fields.
func (a *Annotations) UnmarshalJSON(data []byte) error {
	var doc annotationsDoc
	if err := decodeStrict(data, &doc); err != nil {
		return err
	}
	out := Annotations{Version: doc.Version, Objects: make([]Shape, 0, len(doc.Objects))}
	for i, raw := range doc.Objects {
		shape, err := unmarshalShape(raw)
		if err != nil {
			return fmt.Errorf("objects[%d]: %w", i, err)
		}
		out.Objects = append(out.Objects, shape)
	}
	*a = out
	return nil
}

func unmarshalShape(raw json.RawMessage) (Shape, error) {
	var tag struct {
		Type ShapeKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}
	switch tag.Type {
	case ShapeRect:
		var v struct {
			Type ShapeKind `json:"type"`
			Rect
		}
		err := decodeStrict(raw, &v)
		return v.Rect.normalized(), err
	case ShapeCircle:
		var v struct {
			Type ShapeKind `json:"type"`
			Circle
		}
		err := decodeStrict(raw, &v)
		return v.Circle, err
	case ShapeArrow:
		var v struct {
			Type ShapeKind `json:"type"`
			Arrow
		}
		err := decodeStrict(raw, &v)
		return v.Arrow, err
	case ShapeText:
		var v struct {
			Type ShapeKind `json:"type"`
			Text
		}
		err := decodeStrict(raw, &v)
		return v.Text, err
	default:
		return nil, fmt.Errorf("unknown shape type %q", tag.Type)
	}
}

// ParseAnnotations decodes and validates a caller-supplied document. Empty
// input yields an empty document.
func ParseAnnotations(data []byte) (Annotations, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return EmptyAnnotations(), nil
	}
	var a Annotations
	if err := json.Unmarshal(data, &a); err != nil {
		return Annotations{}, fmt.Errorf("decode annotations: %w", err)
	}
	if err := a.Validate(); err != nil {
		return Annotations{}, err
	}
	return a, nil
}
