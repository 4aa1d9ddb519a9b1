package notes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"envtrack/internal/faults"
)

// Scope names the kind of note an image belongs to.
type Scope string

const (
	ScopeOperatorNote       Scope = "operator_note"
	ScopeProductMachineNote Scope = "product_machine_note"
)

// ParseScope validates a scope received from a caller.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(raw))) {
	case ScopeOperatorNote:
		return ScopeOperatorNote, nil
	case ScopeProductMachineNote:
		return ScopeProductMachineNote, nil
	default:
		return "", faults.Newf(faults.CodeValidation, "unknown note scope %q", raw)
	}
}

// Kind tags the shape of an operator note.
type Kind string

const (
	KindStandard Kind = "standard"
	KindPallet   Kind = "pallet"
	KindSlot     Kind = "slot"
)

const maxNoteText = 4000

// Content is the body of an operator note. Exactly one variant is set and
// it matches Kind.
type Content struct {
	Kind     Kind
	Standard *StandardContent
	Pallet   *PalletContent
	Slot     *SlotContent
}

// StandardContent is a free text note.
type StandardContent struct {
	Text string `json:"text"`
}

// PalletContent records a finished pallet.
type PalletContent struct {
	Text         string `json:"text,omitempty"`
	PalletNumber int    `json:"pallet_number"`
	Quantity     int    `json:"quantity"`
}

// SlotContent records where the unit was parked on the machine.
type SlotContent struct {
	Text string `json:"text,omitempty"`
	Slot string `json:"slot"`
}

// NewStandard builds a standard note body.
func NewStandard(text string) Content {
	return Content{Kind: KindStandard, Standard: &StandardContent{Text: text}}
}

// NewPallet builds a pallet note body.
func NewPallet(text string, palletNumber, quantity int) Content {
	return Content{Kind: KindPallet, Pallet: &PalletContent{Text: text, PalletNumber: palletNumber, Quantity: quantity}}
}

// NewSlot builds a slot note body.
func NewSlot(text, slot string) Content {
	return Content{Kind: KindSlot, Slot: &SlotContent{Text: text, Slot: slot}}
}

func checkText(field, text string, required bool) error {
	if required && strings.TrimSpace(text) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if utf8.RuneCountInString(text) > maxNoteText {
		return fmt.Errorf("%s exceeds %d characters", field, maxNoteText)
	}
	return nil
}

// Validate checks that the set variant matches Kind and is well formed.
func (c Content) Validate() error {
	set := 0
	for _, present := range []bool{c.Standard != nil, c.Pallet != nil, c.Slot != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one note body is required")
	}
	switch c.Kind {
	case KindStandard:
		if c.Standard == nil {
			return errors.New("standard note requires a standard body")
		}
		return checkText("text", c.Standard.Text, true)
	case KindPallet:
		if c.Pallet == nil {
			return errors.New("pallet note requires a pallet body")
		}
		if c.Pallet.PalletNumber <= 0 {
			return errors.New("pallet_number must be positive")
		}
		if c.Pallet.Quantity < 0 {
			return errors.New("quantity must not be negative")
		}
		return checkText("text", c.Pallet.Text, false)
	case KindSlot:
		if c.Slot == nil {
			return errors.New("slot note requires a slot body")
		}
		if strings.TrimSpace(c.Slot.Slot) == "" {
			return errors.New("slot is required")
		}
		return checkText("text", c.Slot.Text, false)
	default:
		return fmt.Errorf("unknown note kind %q", c.Kind)
	}
}

// Body returns the JSON of the set variant without the kind tag.
func (c Content) Body() ([]byte, error) {
	switch c.Kind {
	case KindStandard:
		return json.Marshal(c.Standard)
	case KindPallet:
		return json.Marshal(c.Pallet)
	case KindSlot:
		return json.Marshal(c.Slot)
	default:
		return nil, fmt.Errorf("unknown note kind %q", c.Kind)
	}
}

// MarshalJSON renders the body with its kind tag under "note_kind".
func (c Content) MarshalJSON() ([]byte, error) {
	body, err := c.Body()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Kind Kind            `json:"note_kind"`
		Data json.RawMessage `json:"note_data"`
	}{Kind: c.Kind, Data: body})
}

// DecodeContent parses a body for kind, rejecting unknown fields.
func DecodeContent(kind Kind, body []byte) (Content, error) {
	c := Content{Kind: kind}
	var target any
	switch kind {
	case KindStandard:
		c.Standard = &StandardContent{}
		target = c.Standard
	case KindPallet:
		c.Pallet = &PalletContent{}
		target = c.Pallet
	case KindSlot:
		c.Slot = &SlotContent{}
		target = c.Slot
	default:
		return Content{}, fmt.Errorf("unknown note kind %q", kind)
	}
	if err := decodeStrict(body, target); err != nil {
		return Content{}, fmt.Errorf("decode %s note: %w", kind, err)
	}
	return c, nil
}

// UnmarshalJSON accepts {"note_kind": ..., "note_data": {...}}.
func (c *Content) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Kind Kind            `json:"note_kind"`
		Data json.RawMessage `json:"note_data"`
	}
	if err := decodeStrict(data, &envelope); err != nil {
		return err
	}
	if len(envelope.Data) == 0 {
		return errors.New("note_data is required")
	}
	decoded, err := DecodeContent(envelope.Kind, envelope.Data)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// SetupContent is the body of a product-machine note: the machine setup that
// worked for a product.
type SetupContent struct {
	GlueLength   string `json:"glue_length,omitempty"`
	MachineSpeed string `json:"machine_speed,omitempty"`
	Width        string `json:"width,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Validate requires at least one field and bounds every field's length.
func (s SetupContent) Validate() error {
	fields := map[string]string{
		"glue_length":   s.GlueLength,
		"machine_speed": s.MachineSpeed,
		"width":         s.Width,
		"description":   s.Description,
	}
	empty := true
	for name, value := range fields {
		if strings.TrimSpace(value) != "" {
			empty = false
		}
		if err := checkText(name, value, false); err != nil {
			return err
		}
	}
	if empty {
		return errors.New("setup note requires at least one field")
	}
	return nil
}

// DecodeSetup parses a setup body, rejecting unknown fields.
func DecodeSetup(body []byte) (SetupContent, error) {
	var s SetupContent
	if err := decodeStrict(body, &s); err != nil {
		return SetupContent{}, fmt.Errorf("decode setup note: %w", err)
	}
	return s, nil
}

func decodeStrict(data []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}
