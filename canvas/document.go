package canvas

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// the local replica of the atom tree
//
// the backend is the sole authority for head_rev and op acceptance. this
// model applies validated ops synchronously and is the single mutation
// point for the document: the submitter's optimistic applies, the event
// receiver's committed ops, and snapshot seeds all pass through the state
// lock here, one writer at a time.
//
// remove policy: RemoveOp cascades. the whole subtree is deleted, so the
// invariant that every non-root atom has a live parent holds without
// synthetic reparenting.

type DocumentSnapshot struct {
	DocumentId Id       `json:"document_id"`
	HeadRev    Revision `json:"head_rev"`
	Roots      []Id     `json:"roots"`
	Atoms      []*Atom  `json:"atoms"`
}

// a deep copy of the tree at one instant, used to roll back an optimistic
// command or an aborted batch
type DocumentCheckpoint struct {
	headRev Revision
	atoms   map[Id]*Atom
	roots   []Id
}

type DocumentModel struct {
	documentId Id

	stateLock sync.Mutex

	headRev Revision
	atoms   map[Id]*Atom
	roots   []Id
}

func NewDocumentModel(documentId Id) *DocumentModel {
	return &DocumentModel{
		documentId: documentId,
		atoms:      map[Id]*Atom{},
	}
}

func (self *DocumentModel) DocumentId() Id {
	return self.documentId
}

func (self *DocumentModel) HeadRev() Revision {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.headRev
}

// forward-only. the server never moves a document backwards
func (self *DocumentModel) AdoptHeadRev(headRev Revision) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.headRev < headRev {
		self.headRev = headRev
	}
}

// replaces the entire replica with the server snapshot.
// seeding is also the resync path when a revision conflict arrives with no
// recovery ops
func (self *DocumentModel) Seed(snapshot *DocumentSnapshot) error {
	if (snapshot.DocumentId != Id{}) && snapshot.DocumentId != self.documentId {
		return ErrDocumentIdInvalid
	}

	atoms := map[Id]*Atom{}
	for _, atom := range snapshot.Atoms {
		atoms[atom.AtomId] = atom.Copy()
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.atoms = atoms
	self.roots = slices.Clone(snapshot.Roots)
	self.headRev = snapshot.HeadRev
	return nil
}

func (self *DocumentModel) Snapshot() *DocumentSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	atoms := make([]*Atom, 0, len(self.atoms))
	for _, rootId := range self.roots {
		self.appendSubtree(rootId, &atoms)
	}
	return &DocumentSnapshot{
		DocumentId: self.documentId,
		HeadRev:    self.headRev,
		Roots:      slices.Clone(self.roots),
		Atoms:      atoms,
	}
}

// depth first, so a snapshot always lists a parent before its children
func (self *DocumentModel) appendSubtree(atomId Id, out *[]*Atom) {
	atom, ok := self.atoms[atomId]
	if !ok {
		return
	}
	*out = append(*out, atom.Copy())
	for _, childId := range atom.Children {
		self.appendSubtree(childId, out)
	}
}

func (self *DocumentModel) Atom(atomId Id) (*Atom, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	atom, ok := self.atoms[atomId]
	if !ok {
		return nil, false
	}
	return atom.Copy(), true
}

func (self *DocumentModel) Roots() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.roots)
}

func (self *DocumentModel) AtomCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.atoms)
}

func (self *DocumentModel) Apply(op Op) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.applyOne(op)
}

// whole-batch atomicity. either every op applies or the replica is exactly
// as it was before the call
func (self *DocumentModel) ApplyAll(ops []Op) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	checkpoint := self.capture()
	for i, op := range ops {
		if err := self.applyOne(op); err != nil {
			self.restore(checkpoint)
			return fmt.Errorf("op %d (%s): %w", i, op.Type(), err)
		}
	}
	return nil
}

func (self *DocumentModel) Checkpoint() *DocumentCheckpoint {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.capture()
}

func (self *DocumentModel) Restore(checkpoint *DocumentCheckpoint) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.restore(checkpoint)
}

func (self *DocumentModel) capture() *DocumentCheckpoint {
	atoms := make(map[Id]*Atom, len(self.atoms))
	for atomId, atom := range self.atoms {
		atoms[atomId] = atom.Copy()
	}
	return &DocumentCheckpoint{
		headRev: self.headRev,
		atoms:   atoms,
		roots:   slices.Clone(self.roots),
	}
}

func (self *DocumentModel) restore(checkpoint *DocumentCheckpoint) {
	atoms := make(map[Id]*Atom, len(checkpoint.atoms))
	for atomId, atom := range checkpoint.atoms {
		atoms[atomId] = atom.Copy()
	}
	self.headRev = checkpoint.headRev
	self.atoms = atoms
	self.roots = slices.Clone(checkpoint.roots)
}

// validation happens fully before mutation, so a failed op leaves the tree
// untouched
func (self *DocumentModel) applyOne(op Op) error {
	switch v := op.(type) {
	case *AddOp:
		return self.applyAdd(v)
	case *RemoveOp:
		return self.applyRemove(v)
	case *UpdateOp:
		return self.applyUpdate(v)
	case *MoveOp:
		return self.applyMove(v)
	default:
		return fmt.Errorf("unknown op %T: %w", op, ErrValidation)
	}
}

func (self *DocumentModel) applyAdd(op *AddOp) error {
	if op.Atom == nil || (op.Atom.AtomId == Id{}) {
		return ErrValidation
	}
	if _, ok := self.atoms[op.Atom.AtomId]; ok {
		return ErrAtomExists
	}
	// an add inserts one new leaf. subtrees arrive as one add per atom,
	// parents first
	if 0 < len(op.Atom.Children) {
		return ErrValidation
	}

	siblings := self.siblings(op.ParentId)
	if siblings == nil {
		return ErrParentNotFound
	}
	// out-of-range indexes fail, they are not clamped
	if op.Index < 0 || len(*siblings) < op.Index {
		return ErrIndexOutOfRange
	}

	atom := op.Atom.Copy()
	if op.ParentId != nil {
		parentId := *op.ParentId
		atom.ParentId = &parentId
	} else {
		atom.ParentId = nil
	}
	self.atoms[atom.AtomId] = atom
	*siblings = slices.Insert(*siblings, op.Index, atom.AtomId)
	return nil
}

func (self *DocumentModel) applyRemove(op *RemoveOp) error {
	atom, ok := self.atoms[op.AtomId]
	if !ok {
		return ErrAtomNotFound
	}

	siblings := self.siblings(atom.ParentId)
	if siblings != nil {
		if i := slices.Index(*siblings, op.AtomId); 0 <= i {
			*siblings = slices.Delete(*siblings, i, i+1)
		}
	}

	subtreeIds := []Id{}
	self.collectSubtree(op.AtomId, &subtreeIds)
	for _, atomId := range subtreeIds {
		delete(self.atoms, atomId)
	}
	return nil
}

func (self *DocumentModel) applyUpdate(op *UpdateOp) error {
	atom, ok := self.atoms[op.AtomId]
	if !ok {
		return ErrAtomNotFound
	}
	if atom.Properties == nil {
		atom.Properties = map[string]any{}
	}
	for name, value := range op.Properties {
		atom.Properties[name] = value
	}
	return nil
}

func (self *DocumentModel) applyMove(op *MoveOp) error {
	atom, ok := self.atoms[op.AtomId]
	if !ok {
		return ErrAtomNotFound
	}
	if op.NewParentId != nil {
		if *op.NewParentId == op.AtomId {
			return ErrMoveCreatesCycle
		}
		if _, ok := self.atoms[*op.NewParentId]; !ok {
			return ErrParentNotFound
		}
		if self.isDescendant(*op.NewParentId, op.AtomId) {
			return ErrMoveCreatesCycle
		}
	}

	// detach, then index against the post-detach sibling list
	detachedIndex := -1
	oldSiblings := self.siblings(atom.ParentId)
	if oldSiblings != nil {
		if i := slices.Index(*oldSiblings, op.AtomId); 0 <= i {
			detachedIndex = i
			*oldSiblings = slices.Delete(*oldSiblings, i, i+1)
		}
	}

	newSiblings := self.siblings(op.NewParentId)
	if op.NewIndex < 0 || len(*newSiblings) < op.NewIndex {
		// undo the detach
		if oldSiblings != nil && 0 <= detachedIndex {
			*oldSiblings = slices.Insert(*oldSiblings, detachedIndex, op.AtomId)
		}
		return ErrIndexOutOfRange
	}
	*newSiblings = slices.Insert(*newSiblings, op.NewIndex, op.AtomId)
	if op.NewParentId != nil {
		parentId := *op.NewParentId
		atom.ParentId = &parentId
	} else {
		atom.ParentId = nil
	}
	return nil
}

// whether candidateId is inside the subtree rooted at atomId
func (self *DocumentModel) isDescendant(candidateId Id, atomId Id) bool {
	walkId := candidateId
	for {
		atom, ok := self.atoms[walkId]
		if !ok || atom.ParentId == nil {
			return false
		}
		if *atom.ParentId == atomId {
			return true
		}
		walkId = *atom.ParentId
	}
}

// the sibling id list the atom would belong to under parentId.
// nil parent selects the root list. returns nil if the parent is missing
func (self *DocumentModel) siblings(parentId *Id) *[]Id {
	if parentId == nil {
		return &self.roots
	}
	parent, ok := self.atoms[*parentId]
	if !ok {
		return nil
	}
	return &parent.Children
}

func (self *DocumentModel) collectSubtree(atomId Id, out *[]Id) {
	atom, ok := self.atoms[atomId]
	if !ok {
		return
	}
	*out = append(*out, atomId)
	for _, childId := range atom.Children {
		self.collectSubtree(childId, out)
	}
}
