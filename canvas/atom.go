package canvas

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	TokenKindStatic = "static"
	TokenKindBound  = "bound"
)

// a property value that may be resolved elsewhere. a bound token's `Value`
// must not be assumed final by the client
type TokenValue struct {
	Kind     string         `json:"kind"`
	Value    any            `json:"value"`
	Fallback any            `json:"fallback,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// one node in the document's tree-structured content model.
// `Children` order is significant and caller-controlled.
// `ParentId` is nil only for roots
type Atom struct {
	AtomId     Id             `json:"id"`
	Type       string         `json:"type"`
	ParentId   *Id            `json:"parent_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Children   []Id           `json:"children,omitempty"`
}

func NewAtom(atomType string) *Atom {
	return &Atom{
		AtomId:     NewId(),
		Type:       atomType,
		Properties: map[string]any{},
	}
}

// shallow property copy, deep child list copy.
// property values are treated as immutable once set
func (self *Atom) Copy() *Atom {
	atom := &Atom{
		AtomId: self.AtomId,
		Type:   self.Type,
	}
	if self.ParentId != nil {
		parentId := *self.ParentId
		atom.ParentId = &parentId
	}
	if self.Properties != nil {
		atom.Properties = maps.Clone(self.Properties)
	}
	atom.Children = slices.Clone(self.Children)
	return atom
}
