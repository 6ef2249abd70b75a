package canvas

import (
	"encoding/json"
	"fmt"
)

type OpType string

const (
	OpTypeAdd    OpType = "add"
	OpTypeRemove OpType = "remove"
	OpTypeUpdate OpType = "update"
	OpTypeMove   OpType = "move"
)

// one atomic tree mutation. the closed set of variants is
// add, remove, update, move
type Op interface {
	Type() OpType
	Actor() Id
}

// insert `Atom` as a child of `ParentId` at `Index`, shifting subsequent
// siblings. a nil `ParentId` adds a root
type AddOp struct {
	ActorId  Id    `json:"actor_id"`
	Atom     *Atom `json:"atom"`
	ParentId *Id   `json:"parent_id"`
	Index    int   `json:"index"`
}

func (self *AddOp) Type() OpType {
	return OpTypeAdd
}

func (self *AddOp) Actor() Id {
	return self.ActorId
}

// delete the atom and its entire subtree (cascade)
type RemoveOp struct {
	ActorId Id `json:"actor_id"`
	AtomId  Id `json:"atom_id"`
}

func (self *RemoveOp) Type() OpType {
	return OpTypeRemove
}

func (self *RemoveOp) Actor() Id {
	return self.ActorId
}

// key-wise replace of the named properties. absent keys are untouched
type UpdateOp struct {
	ActorId    Id             `json:"actor_id"`
	AtomId     Id             `json:"atom_id"`
	Properties map[string]any `json:"properties"`
}

func (self *UpdateOp) Type() OpType {
	return OpTypeUpdate
}

func (self *UpdateOp) Actor() Id {
	return self.ActorId
}

// detach and reinsert under a new parent/position. must never make the atom
// its own ancestor
type MoveOp struct {
	ActorId     Id  `json:"actor_id"`
	AtomId      Id  `json:"atom_id"`
	NewParentId *Id `json:"new_parent_id"`
	NewIndex    int `json:"new_index"`
}

func (self *MoveOp) Type() OpType {
	return OpTypeMove
}

func (self *MoveOp) Actor() Id {
	return self.ActorId
}

// marshals as a json array of tagged op objects, `type` injected per entry
type OpList []Op

func (self OpList) MarshalJSON() ([]byte, error) {
	taggedOps := make([]map[string]any, len(self))
	for i, op := range self {
		opBytes, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		taggedOp := map[string]any{}
		if err := json.Unmarshal(opBytes, &taggedOp); err != nil {
			return nil, err
		}
		taggedOp["type"] = string(op.Type())
		taggedOps[i] = taggedOp
	}
	return json.Marshal(taggedOps)
}

func (self *OpList) UnmarshalJSON(src []byte) error {
	rawOps := []json.RawMessage{}
	if err := json.Unmarshal(src, &rawOps); err != nil {
		return err
	}
	ops := make([]Op, len(rawOps))
	for i, rawOp := range rawOps {
		op, err := UnmarshalOp(rawOp)
		if err != nil {
			return err
		}
		ops[i] = op
	}
	*self = ops
	return nil
}

func UnmarshalOp(src []byte) (Op, error) {
	var tag struct {
		Type OpType `json:"type"`
	}
	if err := json.Unmarshal(src, &tag); err != nil {
		return nil, err
	}
	switch tag.Type {
	case OpTypeAdd:
		op := &AddOp{}
		if err := json.Unmarshal(src, op); err != nil {
			return nil, err
		}
		return op, nil
	case OpTypeRemove:
		op := &RemoveOp{}
		if err := json.Unmarshal(src, op); err != nil {
			return nil, err
		}
		return op, nil
	case OpTypeUpdate:
		op := &UpdateOp{}
		if err := json.Unmarshal(src, op); err != nil {
			return nil, err
		}
		return op, nil
	case OpTypeMove:
		op := &MoveOp{}
		if err := json.Unmarshal(src, op); err != nil {
			return nil, err
		}
		return op, nil
	default:
		return nil, fmt.Errorf("unknown op type %q: %w", tag.Type, ErrValidation)
	}
}
