package model

import (
	"fmt"
	"time"
)

// ContainerID is the stable, user-facing identifier of a container.
// IDs are allocated monotonically and never reused.
type ContainerID uint64

const (
	// InvalidContainerID is the zero value; no container ever has it.
	InvalidContainerID ContainerID = 0

	// RootParentID is the parent sentinel carried by root containers.
	RootParentID ContainerID = 0
)

// Generation identifies a committed, immutable view of the store.
type Generation uint64

// ContainerType classifies what a container holds.
type ContainerType uint8

const (
	TypeUnknown ContainerType = iota
	TypeRoot
	TypeUser
	TypeWorkspace
	TypeProject
	TypeModality
	TypeCategory
	TypeMethodology
	TypeBlueprint
	TypePipeline
	TypeTask
	TypeFileReference
	TypeURLReference
	TypePackageReference
	TypeCodeModule
	TypeTextDocument
)

var containerTypeNames = map[ContainerType]string{
	TypeUnknown:          "unknown",
	TypeRoot:             "root",
	TypeUser:             "user",
	TypeWorkspace:        "workspace",
	TypeProject:          "project",
	TypeModality:         "modality",
	TypeCategory:         "category",
	TypeMethodology:      "methodology",
	TypeBlueprint:        "blueprint",
	TypePipeline:         "pipeline",
	TypeTask:             "task",
	TypeFileReference:    "file_reference",
	TypeURLReference:     "url_reference",
	TypePackageReference: "package_reference",
	TypeCodeModule:       "code_module",
	TypeTextDocument:     "text_document",
}

// String returns the canonical lowercase name of the container type.
func (t ContainerType) String() string {
	if s, ok := containerTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("container_type(%d)", uint8(t))
}

// StructuralRecord is the fixed-stride half of a container.
//
// On-disk form is 32 bytes, little-endian, with the id implicit in the slot
// position (id == slot+1) rather than stored:
//
//	parent_id:u64 | children_offset:u64 | version:u32 | child_count:u32 |
//	children_capacity:u32 | flags:u32
//
// Children are not inlined: a fixed-stride file cannot grow records in
// place, so the record points into the append-only children store and the
// segment is reallocated with doubled capacity on overflow.
type StructuralRecord struct {
	ID               ContainerID
	ParentID         ContainerID
	Version          uint32
	ChildCount       uint32
	ChildrenOffset   uint64
	ChildrenCapacity uint32
}

// RelationType classifies a non-hierarchical edge between containers.
type RelationType uint8

const (
	RelationRelatedTo RelationType = iota
	RelationDependsOn
	RelationDerivedFrom
	RelationReferences
	RelationContradicts
	RelationSupersedes
)

var relationTypeNames = map[RelationType]string{
	RelationRelatedTo:   "related_to",
	RelationDependsOn:   "depends_on",
	RelationDerivedFrom: "derived_from",
	RelationReferences:  "references",
	RelationContradicts: "contradicts",
	RelationSupersedes:  "supersedes",
}

func (r RelationType) String() string {
	if s, ok := relationTypeNames[r]; ok {
		return s
	}
	return fmt.Sprintf("relation_type(%d)", uint8(r))
}

// Relation is a directed contextual edge. Relations may cross subtrees and
// may form cycles; traversal tracks visited ids to terminate.
type Relation struct {
	Target     ContainerID
	Type       RelationType
	Confidence float32

	// Dangling marks a relation whose target no longer resolves. Dangling
	// relations are flagged by the integrity scanner, never silently removed.
	Dangling bool
}

// Context carries the contextual axis of a container: keywords, topics,
// typed relations, and an optional embedding vector.
type Context struct {
	Keywords  []string
	Topics    []string
	Relations []Relation
	Embedding []float32
}

// TraversalHints are derived statistics the traversal engine may consult.
// They are recomputable and therefore auto-repairable.
type TraversalHints struct {
	AccessCount uint64
	Hotness     float32
	Centroid    []float32
}

// AttributeRecord is the variable-length half of a container.
type AttributeRecord struct {
	Type      ContainerType
	Modality  string
	CreatedAt time.Time
	UpdatedAt time.Time
	Context   Context
	Hints     TraversalHints

	// ContentHash is the blake3 digest of the canonical encoding of this
	// record (hash fields zeroed), computed at write time.
	ContentHash [32]byte

	// Fingerprint is a coarse semantic digest over keywords and topics only,
	// stable across hint and timestamp churn.
	Fingerprint [32]byte
}

// Clone returns a deep copy of the record.
func (r *AttributeRecord) Clone() *AttributeRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Context = Context{
		Keywords:  append([]string(nil), r.Context.Keywords...),
		Topics:    append([]string(nil), r.Context.Topics...),
		Relations: append([]Relation(nil), r.Context.Relations...),
		Embedding: append([]float32(nil), r.Context.Embedding...),
	}
	out.Hints.Centroid = append([]float32(nil), r.Hints.Centroid...)
	return &out
}

// ChangeType classifies an entry in a container's version history.
type ChangeType uint8

const (
	ChangeCreated ChangeType = iota
	ChangeAttributesUpdated
	ChangeChildrenChanged
	ChangeRolledBack
	ChangeRepaired
)

var changeTypeNames = map[ChangeType]string{
	ChangeCreated:           "created",
	ChangeAttributesUpdated: "attributes_updated",
	ChangeChildrenChanged:   "children_changed",
	ChangeRolledBack:        "rolled_back",
	ChangeRepaired:          "repaired",
}

func (c ChangeType) String() string {
	if s, ok := changeTypeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("change_type(%d)", uint8(c))
}

// VersionRecord is one entry in a container's version history.
type VersionRecord struct {
	Version     uint32
	ContentHash [32]byte
	Timestamp   time.Time
	Change      ChangeType
}
