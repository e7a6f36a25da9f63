package domain

// FieldKind tags the variant of a mapped field value.
type FieldKind int

const (
	// FieldScalar is a plain value (string, number, bool, date string).
	FieldScalar FieldKind = iota
	// FieldMany2One is a reference to a single remote record, written as a
	// bare integer id.
	FieldMany2One
	// FieldOne2Many is a list of child records written as command tuples.
	FieldOne2Many
	// FieldMany2Many is a set of linked records written as command tuples.
	FieldMany2Many
)

// RelationOp is the operation code of a relational write command.
type RelationOp int

// Relational command opcodes. The wire shape is [[op, id, vals], ...] and is
// passed through to the ERP verbatim.
const (
	RelCreate  RelationOp = 0
	RelUpdate  RelationOp = 1
	RelDelete  RelationOp = 2
	RelUnlink  RelationOp = 3
	RelLink    RelationOp = 4
	RelClear   RelationOp = 5
	RelReplace RelationOp = 6
)

// RelationCommand is one element of a One2many/Many2many write.
type RelationCommand struct {
	Op     RelationOp
	ID     int64
	Values map[string]any
}

// Encode renders the command in the ERP's triplet form.
func (c RelationCommand) Encode() []any {
	vals := any(c.Values)
	switch c.Op {
	case RelDelete, RelUnlink, RelLink:
		vals = 0
	case RelClear:
		return []any{int(c.Op), 0, 0}
	case RelReplace:
		// Replace carries the id list in the third slot.
		return []any{int(c.Op), 0, c.Values["ids"]}
	}
	return []any{int(c.Op), c.ID, vals}
}

// FieldValue is the tagged variant module code consumes when translating a
// dynamic payload into a remote write. Exactly one of the value slots is
// meaningful for a given Kind.
type FieldValue struct {
	Kind     FieldKind
	Scalar   any
	Relation int64
	Commands []RelationCommand
}

// Scalar builds a scalar field value.
func Scalar(v any) FieldValue { return FieldValue{Kind: FieldScalar, Scalar: v} }

// Many2One builds a single-reference field value.
func Many2One(id int64) FieldValue { return FieldValue{Kind: FieldMany2One, Relation: id} }

// Commands builds a relational command list of the given kind.
func Commands(kind FieldKind, cmds ...RelationCommand) FieldValue {
	return FieldValue{Kind: kind, Commands: cmds}
}

// FieldMap is a remote write payload: typed fields plus an opaque extension
// bag for the unknown tail, merged last so explicit fields win.
type FieldMap struct {
	Fields    map[string]FieldValue
	Extension map[string]any
}

// EncodeValues flattens the map into the shape the RPC client sends.
func (m FieldMap) EncodeValues() map[string]any {
	out := make(map[string]any, len(m.Fields)+len(m.Extension))
	for k, v := range m.Extension {
		out[k] = v
	}
	for k, v := range m.Fields {
		switch v.Kind {
		case FieldScalar:
			out[k] = v.Scalar
		case FieldMany2One:
			out[k] = v.Relation
		case FieldOne2Many, FieldMany2Many:
			cmds := make([]any, 0, len(v.Commands))
			for _, c := range v.Commands {
				cmds = append(cmds, c.Encode())
			}
			out[k] = cmds
		}
	}
	return out
}
