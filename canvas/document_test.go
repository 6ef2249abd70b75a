package canvas

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testActorId() Id {
	return NewId()
}

func addRootOp(actorId Id, atom *Atom, index int) *AddOp {
	return &AddOp{
		ActorId: actorId,
		Atom:    atom,
		Index:   index,
	}
}

func addChildOp(actorId Id, atom *Atom, parentId Id, index int) *AddOp {
	return &AddOp{
		ActorId:  actorId,
		Atom:     atom,
		ParentId: &parentId,
		Index:    index,
	}
}

func TestDocumentAddUpdateRemove(t *testing.T) {
	actorId := testActorId()
	document := NewDocumentModel(NewId())

	frame := NewAtom("frame")
	err := document.Apply(addRootOp(actorId, frame, 0))
	assert.Equal(t, nil, err)

	text := NewAtom("text")
	text.Properties["content"] = "hello"
	err = document.Apply(addChildOp(actorId, text, frame.AtomId, 0))
	assert.Equal(t, nil, err)

	assert.Equal(t, 2, document.AtomCount())
	assert.Equal(t, []Id{frame.AtomId}, document.Roots())

	storedFrame, ok := document.Atom(frame.AtomId)
	assert.Equal(t, true, ok)
	assert.Equal(t, []Id{text.AtomId}, storedFrame.Children)

	// update is a key-wise replace. absent keys stay untouched
	err = document.Apply(&UpdateOp{
		ActorId: actorId,
		AtomId:  text.AtomId,
		Properties: map[string]any{
			"font.size": 24,
		},
	})
	assert.Equal(t, nil, err)

	storedText, ok := document.Atom(text.AtomId)
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", storedText.Properties["content"])
	assert.Equal(t, 24, storedText.Properties["font.size"])

	// remove cascades through the subtree
	err = document.Apply(&RemoveOp{
		ActorId: actorId,
		AtomId:  frame.AtomId,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, document.AtomCount())
	assert.Equal(t, 0, len(document.Roots()))
}

func TestDocumentAddValidation(t *testing.T) {
	actorId := testActorId()
	document := NewDocumentModel(NewId())

	missingParentId := NewId()
	err := document.Apply(addChildOp(actorId, NewAtom("text"), missingParentId, 0))
	assert.Equal(t, ErrParentNotFound, err)

	// out of range indexes fail, they are not clamped
	err = document.Apply(addRootOp(actorId, NewAtom("frame"), 1))
	assert.Equal(t, ErrIndexOutOfRange, err)
	err = document.Apply(addRootOp(actorId, NewAtom("frame"), -1))
	assert.Equal(t, ErrIndexOutOfRange, err)

	frame := NewAtom("frame")
	err = document.Apply(addRootOp(actorId, frame, 0))
	assert.Equal(t, nil, err)

	// duplicate id
	err = document.Apply(addRootOp(actorId, frame, 0))
	assert.Equal(t, ErrAtomExists, err)

	assert.Equal(t, 1, document.AtomCount())
}

func TestDocumentChildOrder(t *testing.T) {
	actorId := testActorId()
	document := NewDocumentModel(NewId())

	frame := NewAtom("frame")
	assert.Equal(t, nil, document.Apply(addRootOp(actorId, frame, 0)))

	a := NewAtom("text")
	b := NewAtom("text")
	c := NewAtom("text")
	assert.Equal(t, nil, document.Apply(addChildOp(actorId, a, frame.AtomId, 0)))
	assert.Equal(t, nil, document.Apply(addChildOp(actorId, b, frame.AtomId, 1)))
	// insert shifts subsequent siblings
	assert.Equal(t, nil, document.Apply(addChildOp(actorId, c, frame.AtomId, 1)))

	storedFrame, _ := document.Atom(frame.AtomId)
	assert.Equal(t, []Id{a.AtomId, c.AtomId, b.AtomId}, storedFrame.Children)
}

func TestDocumentMove(t *testing.T) {
	actorId := testActorId()
	document := NewDocumentModel(NewId())

	frameA := NewAtom("frame")
	frameB := NewAtom("frame")
	text := NewAtom("text")
	assert.Equal(t, nil, document.Apply(addRootOp(actorId, frameA, 0)))
	assert.Equal(t, nil, document.Apply(addRootOp(actorId, frameB, 1)))
	assert.Equal(t, nil, document.Apply(addChildOp(actorId, text, frameA.AtomId, 0)))

	err := document.Apply(&MoveOp{
		ActorId:     actorId,
		AtomId:      text.AtomId,
		NewParentId: &frameB.AtomId,
		NewIndex:    0,
	})
	assert.Equal(t, nil, err)

	storedA, _ := document.Atom(frameA.AtomId)
	storedB, _ := document.Atom(frameB.AtomId)
	assert.Equal(t, 0, len(storedA.Children))
	assert.Equal(t, []Id{text.AtomId}, storedB.Children)

	storedText, _ := document.Atom(text.AtomId)
	assert.Equal(t, frameB.AtomId, *storedText.ParentId)

	// move to the root list
	err = document.Apply(&MoveOp{
		ActorId:  actorId,
		AtomId:   text.AtomId,
		NewIndex: 2,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []Id{frameA.AtomId, frameB.AtomId, text.AtomId}, document.Roots())
}

func TestDocumentMoveCycle(t *testing.T) {
	actorId := testActorId()
	document := NewDocumentModel(NewId())

	frame := NewAtom("frame")
	group := NewAtom("group")
	leaf := NewAtom("text")
	assert.Equal(t, nil, document.Apply(addRootOp(actorId, frame, 0)))
	assert.Equal(t, nil, document.Apply(addChildOp(actorId, group, frame.AtomId, 0)))
	assert.Equal(t, nil, document.Apply(addChildOp(actorId, leaf, group.AtomId, 0)))

	// an atom cannot become its own ancestor
	err := document.Apply(&MoveOp{
		ActorId:     actorId,
		AtomId:      frame.AtomId,
		NewParentId: &leaf.AtomId,
		NewIndex:    0,
	})
	assert.Equal(t, ErrMoveCreatesCycle, err)

	err = document.Apply(&MoveOp{
		ActorId:     actorId,
		AtomId:      frame.AtomId,
		NewParentId: &frame.AtomId,
		NewIndex:    0,
	})
	assert.Equal(t, ErrMoveCreatesCycle, err)

	// the failed moves left the tree untouched
	assert.Equal(t, []Id{frame.AtomId}, document.Roots())
	storedGroup, _ := document.Atom(group.AtomId)
	assert.Equal(t, []Id{leaf.AtomId}, storedGroup.Children)
}

func TestDocumentBatchAtomicity(t *testing.T) {
	actorId := testActorId()
	document := NewDocumentModel(NewId())

	frame := NewAtom("frame")
	assert.Equal(t, nil, document.Apply(addRootOp(actorId, frame, 0)))
	headBefore := document.HeadRev()

	good := NewAtom("text")
	missingAtomId := NewId()
	err := document.ApplyAll([]Op{
		addChildOp(actorId, good, frame.AtomId, 0),
		&UpdateOp{
			ActorId:    actorId,
			AtomId:     missingAtomId,
			Properties: map[string]any{"x": 1},
		},
	})
	assert.NotEqual(t, nil, err)

	// nothing from the batch applied
	_, ok := document.Atom(good.AtomId)
	assert.Equal(t, false, ok)
	assert.Equal(t, 1, document.AtomCount())
	assert.Equal(t, headBefore, document.HeadRev())
}

func TestDocumentAddRemoveRoundTrip(t *testing.T) {
	actorId := testActorId()
	document := NewDocumentModel(NewId())

	frame := NewAtom("frame")
	assert.Equal(t, nil, document.Apply(addRootOp(actorId, frame, 0)))
	before := document.Snapshot()

	a := NewAtom("text")
	assert.Equal(t, nil, document.Apply(addChildOp(actorId, a, frame.AtomId, 0)))
	assert.Equal(t, nil, document.Apply(&RemoveOp{
		ActorId: actorId,
		AtomId:  a.AtomId,
	}))

	after := document.Snapshot()
	assert.Equal(t, before.Roots, after.Roots)
	assert.Equal(t, len(before.Atoms), len(after.Atoms))
	storedFrame, _ := document.Atom(frame.AtomId)
	assert.Equal(t, 0, len(storedFrame.Children))
}

func TestDocumentCheckpointRestore(t *testing.T) {
	actorId := testActorId()
	document := NewDocumentModel(NewId())

	frame := NewAtom("frame")
	assert.Equal(t, nil, document.Apply(addRootOp(actorId, frame, 0)))

	checkpoint := document.Checkpoint()

	text := NewAtom("text")
	assert.Equal(t, nil, document.Apply(addChildOp(actorId, text, frame.AtomId, 0)))
	assert.Equal(t, nil, document.Apply(&UpdateOp{
		ActorId:    actorId,
		AtomId:     frame.AtomId,
		Properties: map[string]any{"fill": "#fff"},
	}))
	assert.Equal(t, 2, document.AtomCount())

	document.Restore(checkpoint)
	assert.Equal(t, 1, document.AtomCount())
	storedFrame, _ := document.Atom(frame.AtomId)
	assert.Equal(t, 0, len(storedFrame.Children))
	_, hasFill := storedFrame.Properties["fill"]
	assert.Equal(t, false, hasFill)
}

func TestDocumentSeed(t *testing.T) {
	documentId := NewId()
	document := NewDocumentModel(documentId)

	frame := NewAtom("frame")
	text := NewAtom("text")
	text.ParentId = &frame.AtomId
	frame.Children = []Id{text.AtomId}

	err := document.Seed(&DocumentSnapshot{
		DocumentId: documentId,
		HeadRev:    5,
		Roots:      []Id{frame.AtomId},
		Atoms:      []*Atom{frame, text},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, Revision(5), document.HeadRev())
	assert.Equal(t, 2, document.AtomCount())

	// a snapshot for another document is rejected
	err = document.Seed(&DocumentSnapshot{
		DocumentId: NewId(),
	})
	assert.Equal(t, ErrDocumentIdInvalid, err)
}
