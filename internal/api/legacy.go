package api

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Request bodies accept the older wire format alongside the current one:
// upper-case memory types (also under "memory_type") and importance given
// as an integer level from 1 to 4.

type memoryBody struct {
	model.MemoryInput
	Category   string          `json:"category"`
	MemoryType string          `json:"memory_type"`
	Importance json.RawMessage `json:"importance"`
}

func (b memoryBody) input() (model.MemoryInput, error) {
	in := b.MemoryInput
	if s := firstNonBlank(b.Category, b.MemoryType); s != "" {
		in.Category = category(s)
	}
	v, err := importance(b.Importance)
	if err != nil {
		return in, err
	}
	in.Importance = v
	return in, nil
}

type memoryPatchBody struct {
	model.MemoryPatch
	Category   *string         `json:"category"`
	MemoryType *string         `json:"memory_type"`
	Importance json.RawMessage `json:"importance"`
}

func (b memoryPatchBody) patch() (model.MemoryPatch, error) {
	p := b.MemoryPatch
	s := b.Category
	if s == nil {
		s = b.MemoryType
	}
	if s != nil {
		c := category(*s)
		p.Category = &c
	}
	v, err := importance(b.Importance)
	if err != nil {
		return p, err
	}
	p.Importance = v
	return p, nil
}

type entityBody struct {
	model.EntityInput
	Importance json.RawMessage `json:"importance"`
}

func (b entityBody) input() (model.EntityInput, error) {
	in := b.EntityInput
	v, err := importance(b.Importance)
	if err != nil {
		return in, err
	}
	in.Importance = v
	return in, nil
}

type entityPatchBody struct {
	model.EntityPatch
	Importance json.RawMessage `json:"importance"`
}

func (b entityPatchBody) patch() (model.EntityPatch, error) {
	p := b.EntityPatch
	v, err := importance(b.Importance)
	if err != nil {
		return p, err
	}
	p.Importance = v
	return p, nil
}

// category resolves legacy and mixed-case names. Unknown names pass through
// so validation reports them with the other field errors.
func category(s string) model.Category {
	if c, err := model.ParseCategory(s); err == nil {
		return c
	}
	return model.Category(s)
}

// importance reads a bare integer 1..4 as a legacy level and any other
// number on the 0..1 scale. Send 1.0 for full importance.
func importance(raw json.RawMessage) (*float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, model.Invalid("importance", "must be a number")
	}
	if level, err := strconv.Atoi(n.String()); err == nil &&
		level >= model.ImportanceLow && level <= model.ImportanceCritical {
		v, _ := model.ImportanceFromLevel(level)
		return &v, nil
	}
	v, err := n.Float64()
	if err != nil {
		return nil, model.Invalid("importance", "must be a number")
	}
	return &v, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
