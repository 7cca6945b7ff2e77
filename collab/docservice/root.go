package docservice

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Values stored in a document are json normalized:
// map[string]any, []any, string, float64, bool, or nil.
func Normalize(value any) (any, error) {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := json.Unmarshal(valueJson, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for field, value := range fields {
		copied[field] = copyValue(value)
	}
	return copied
}

// values are already normalized so a structural copy is enough
func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(v))
		for key, entry := range v {
			copied[key] = copyValue(entry)
		}
		return copied
	case []any:
		copied := make([]any, len(v))
		for i, entry := range v {
			copied[i] = copyValue(entry)
		}
		return copied
	default:
		return v
	}
}

func fieldsEqual(a map[string]any, b map[string]any) bool {
	return reflect.DeepEqual(a, b)
}

type OpType string

const (
	OpSet              OpType = "set"
	OpSetIfAbsent      OpType = "set_if_absent"
	OpSetEntry         OpType = "set_entry"
	OpSetEntryIfAbsent OpType = "set_entry_if_absent"
)

// a single top level mutation. Entry ops address one key of a map field.
type Op struct {
	Type  OpType `json:"type"`
	Field string `json:"field"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value"`
}

// applies the op in place and returns true if the fields changed.
// The hub applies ops in arrival order, so the if-absent ops are first-writer-wins.
func applyOp(fields map[string]any, op *Op) (bool, error) {
	switch op.Type {
	case OpSet:
		if current, ok := fields[op.Field]; ok && reflect.DeepEqual(current, op.Value) {
			return false, nil
		}
		fields[op.Field] = copyValue(op.Value)
		return true, nil
	case OpSetIfAbsent:
		if _, ok := fields[op.Field]; ok {
			return false, nil
		}
		fields[op.Field] = copyValue(op.Value)
		return true, nil
	case OpSetEntry, OpSetEntryIfAbsent:
		var entries map[string]any
		switch v := fields[op.Field].(type) {
		case nil:
			entries = map[string]any{}
			fields[op.Field] = entries
		case map[string]any:
			entries = v
		default:
			return false, fmt.Errorf("field %s is not a map (%T)", op.Field, v)
		}
		current, ok := entries[op.Key]
		if ok && (op.Type == OpSetEntryIfAbsent || reflect.DeepEqual(current, op.Value)) {
			return false, nil
		}
		entries[op.Key] = copyValue(op.Value)
		return true, nil
	default:
		return false, fmt.Errorf("unknown op type %s", op.Type)
	}
}

func applyOps(fields map[string]any, ops []*Op) (bool, error) {
	changed := false
	for _, op := range ops {
		opChanged, err := applyOp(fields, op)
		if err != nil {
			return changed, err
		}
		changed = changed || opChanged
	}
	return changed, nil
}

// the mutable view passed to Document.Update.
// Every mutation is applied to the view immediately and recorded as an op.
type Root struct {
	fields map[string]any
	ops    []*Op
}

func newRoot(fields map[string]any) *Root {
	return &Root{
		fields: copyFields(fields),
	}
}

func (self *Root) Has(field string) bool {
	_, ok := self.fields[field]
	return ok
}

func (self *Root) Get(field string) (any, bool) {
	value, ok := self.fields[field]
	if !ok {
		return nil, false
	}
	return copyValue(value), true
}

func (self *Root) Entry(field string, key string) (any, bool) {
	entries, ok := self.fields[field].(map[string]any)
	if !ok {
		return nil, false
	}
	value, ok := entries[key]
	if !ok {
		return nil, false
	}
	return copyValue(value), true
}

func (self *Root) Set(field string, value any) error {
	return self.record(&Op{Type: OpSet, Field: field}, value)
}

func (self *Root) SetIfAbsent(field string, value any) error {
	return self.record(&Op{Type: OpSetIfAbsent, Field: field}, value)
}

func (self *Root) SetEntry(field string, key string, value any) error {
	return self.record(&Op{Type: OpSetEntry, Field: field, Key: key}, value)
}

func (self *Root) SetEntryIfAbsent(field string, key string, value any) error {
	return self.record(&Op{Type: OpSetEntryIfAbsent, Field: field, Key: key}, value)
}

func (self *Root) Ops() []*Op {
	return self.ops
}

func (self *Root) record(op *Op, value any) error {
	normalized, err := Normalize(value)
	if err != nil {
		return err
	}
	op.Value = normalized
	if _, err := applyOp(self.fields, op); err != nil {
		return err
	}
	self.ops = append(self.ops, op)
	return nil
}
