package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// WireVersion is the current compiled-program wire format version.
// Increment when making incompatible changes to the format.
const WireVersion uint16 = 1

// cborEncMode uses canonical encoding so identical programs encode to
// identical bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// constant kinds on the wire
const (
	wireNil uint8 = iota
	wireBool
	wireNumber
	wireString
	wireFunction
)

type wireProgram struct {
	Version  uint16    `cbor:"v"`
	Function *wireFunc `cbor:"fn"`
}

type wireFunc struct {
	Name         string      `cbor:"name"`
	Arity        int         `cbor:"arity"`
	UpvalueCount int         `cbor:"upvalues"`
	Code         []byte      `cbor:"code"`
	Lines        []int       `cbor:"lines"`
	Constants    []wireConst `cbor:"consts"`
}

type wireConst struct {
	Kind     uint8     `cbor:"k"`
	Number   float64   `cbor:"n,omitempty"`
	Bool     bool      `cbor:"b,omitempty"`
	String   string    `cbor:"s,omitempty"`
	Function *wireFunc `cbor:"f,omitempty"`
}

// MarshalFunction serializes a compiled function tree to CBOR bytes.
func MarshalFunction(fn *Function) ([]byte, error) {
	wf, err := toWire(fn)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(&wireProgram{Version: WireVersion, Function: wf})
}

// UnmarshalFunction deserializes a compiled function tree from CBOR bytes.
func UnmarshalFunction(data []byte) (*Function, error) {
	var p wireProgram
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal function: %w", err)
	}
	if p.Version != WireVersion {
		return nil, fmt.Errorf("bytecode: wire version %d, want %d", p.Version, WireVersion)
	}
	if p.Function == nil {
		return nil, fmt.Errorf("bytecode: unmarshal function: missing body")
	}
	return fromWire(p.Function)
}

func toWire(fn *Function) (*wireFunc, error) {
	wf := &wireFunc{
		Name:         fn.Name,
		Arity:        fn.Arity,
		UpvalueCount: fn.UpvalueCount,
		Code:         fn.Chunk.Code,
		Lines:        fn.Chunk.Lines,
		Constants:    make([]wireConst, 0, len(fn.Chunk.Constants)),
	}
	for i, k := range fn.Chunk.Constants {
		var wc wireConst
		switch k.Kind() {
		case KindNil:
			wc.Kind = wireNil
		case KindBool:
			wc.Kind, wc.Bool = wireBool, k.AsBool()
		case KindNumber:
			wc.Kind, wc.Number = wireNumber, k.AsNumber()
		case KindObject:
			switch o := k.AsObject().(type) {
			case *String:
				wc.Kind, wc.String = wireString, o.Chars
			case *Function:
				nested, err := toWire(o)
				if err != nil {
					return nil, err
				}
				wc.Kind, wc.Function = wireFunction, nested
			default:
				return nil, fmt.Errorf("bytecode: %s constant %d of %s is not serializable", o.Type(), i, fn)
			}
		}
		wf.Constants = append(wf.Constants, wc)
	}
	return wf, nil
}

func fromWire(wf *wireFunc) (*Function, error) {
	if len(wf.Lines) != len(wf.Code) {
		return nil, fmt.Errorf("bytecode: line table length %d does not match code length %d", len(wf.Lines), len(wf.Code))
	}
	fn := &Function{
		Name:         wf.Name,
		Arity:        wf.Arity,
		UpvalueCount: wf.UpvalueCount,
		Chunk: &Chunk{
			Code:      wf.Code,
			Lines:     wf.Lines,
			Constants: make([]Value, 0, len(wf.Constants)),
		},
	}
	if fn.Chunk.Code == nil {
		fn.Chunk.Code = []byte{}
		fn.Chunk.Lines = []int{}
	}
	for i, wc := range wf.Constants {
		switch wc.Kind {
		case wireNil:
			fn.Chunk.Constants = append(fn.Chunk.Constants, Nil)
		case wireBool:
			fn.Chunk.Constants = append(fn.Chunk.Constants, Bool(wc.Bool))
		case wireNumber:
			fn.Chunk.Constants = append(fn.Chunk.Constants, Number(wc.Number))
		case wireString:
			fn.Chunk.Constants = append(fn.Chunk.Constants, Str(wc.String))
		case wireFunction:
			if wc.Function == nil {
				return nil, fmt.Errorf("bytecode: function constant %d has no body", i)
			}
			nested, err := fromWire(wc.Function)
			if err != nil {
				return nil, err
			}
			fn.Chunk.Constants = append(fn.Chunk.Constants, FromObject(nested))
		default:
			return nil, fmt.Errorf("bytecode: unknown constant kind %d at %d", wc.Kind, i)
		}
	}
	return fn, nil
}
