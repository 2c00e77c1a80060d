package bytecode

import (
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNil ValueKind = iota
	KindBool
	KindNumber
	KindObject
)

// String returns a human-readable name for ValueKind.
func (k ValueKind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	default:
		return "ValueKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged scalar-or-object. The zero Value is nil.
type Value struct {
	kind ValueKind
	num  float64
	obj  Object
}

// Nil is the nil value.
var Nil = Value{}

// Bool wraps a boolean.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Number wraps a float64.
func Number(n float64) Value {
	return Value{kind: KindNumber, num: n}
}

// FromObject wraps a heap object.
func FromObject(o Object) Value {
	if o == nil {
		return Nil
	}
	return Value{kind: KindObject, obj: o}
}

// Str is shorthand for FromObject(NewString(s)).
func Str(s string) Value {
	return FromObject(NewString(s))
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }
func (v Value) IsBool() bool { return v.kind == KindBool }
func (v Value) IsNumber() bool { return v.kind == KindNumber }
func (v Value) IsObject() bool { return v.kind == KindObject }

// AsBool returns the boolean payload; false for non-bool values.
func (v Value) AsBool() bool { return v.kind == KindBool && v.num != 0 }

// AsNumber returns the numeric payload; 0 for non-number values.
func (v Value) AsNumber() float64 {
	if v.kind != KindNumber {
		return 0
	}
	return v.num
}

// AsObject returns the object payload or nil.
func (v Value) AsObject() Object { return v.obj }

// AsString returns the string object if v holds one.
func (v Value) AsString() (*String, bool) {
	s, ok := v.obj.(*String)
	return s, ok
}

// AsFunction returns the function object if v holds one.
func (v Value) AsFunction() (*Function, bool) {
	f, ok := v.obj.(*Function)
	return f, ok
}

// AsClosure returns the closure object if v holds one.
func (v Value) AsClosure() (*Closure, bool) {
	c, ok := v.obj.(*Closure)
	return c, ok
}

// IsFalsey reports whether v counts as false in a condition.
// Only nil and false are falsey.
func (v Value) IsFalsey() bool {
	return v.kind == KindNil || (v.kind == KindBool && v.num == 0)
}

// Equal compares two values. Values of different kinds are never equal;
// strings compare by content, other objects by identity.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool, KindNumber:
		return v.num == o.num
	case KindObject:
		a, aok := v.obj.(*String)
		b, bok := o.obj.(*String)
		if aok && bok {
			return a.Chars == b.Chars
		}
		return v.obj == o.obj
	}
	return false
}

// TypeName names the runtime type of v for error messages.
func (v Value) TypeName() string {
	if v.kind == KindObject {
		return v.obj.Type().String()
	}
	return v.kind.String()
}

// String renders v the way print does.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindObject:
		return v.obj.String()
	}
	return "<invalid>"
}
