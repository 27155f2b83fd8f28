package metadata

import (
	"errors"
	"fmt"
)

// ValueType is the declared type of a label.
type ValueType int

const (
	TypeFloat ValueType = iota
	TypeInt
	TypeString
	TypeBool
)

func (t ValueType) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	default:
		return fmt.Sprintf("ValueType(%d)", int(t))
	}
}

// Label identifies one metadata column. The set of labels is closed.
type Label int

const (
	ItemID Label = iota
	Enabled
	Image
	Micrograph
	MicrographID
	ShiftX
	ShiftY
	ShiftZ
	AngleRot
	AngleTilt
	AnglePsi
	Flip
	CTFDefocusU
	CTFDefocusV
	CTFDefocusAngle
	CTFVoltage
	CTFSphericalAberration
	CTFQ0
	Magnification
	SamplingRate
	CTFGroup
	Min
	Max
	Avg
	XCoor
	YCoor
	PickBoxSize

	labelCount
)

type labelInfo struct {
	name string
	typ  ValueType
}

// Names match the column names written in Xmipp metadata files.
var labelTable = [labelCount]labelInfo{
	ItemID:                 {"itemId", TypeInt},
	Enabled:                {"enabled", TypeInt},
	Image:                  {"image", TypeString},
	Micrograph:             {"micrograph", TypeString},
	MicrographID:           {"micrographId", TypeInt},
	ShiftX:                 {"shiftX", TypeFloat},
	ShiftY:                 {"shiftY", TypeFloat},
	ShiftZ:                 {"shiftZ", TypeFloat},
	AngleRot:               {"angleRot", TypeFloat},
	AngleTilt:              {"angleTilt", TypeFloat},
	AnglePsi:               {"anglePsi", TypeFloat},
	Flip:                   {"flip", TypeBool},
	CTFDefocusU:            {"ctfDefocusU", TypeFloat},
	CTFDefocusV:            {"ctfDefocusV", TypeFloat},
	CTFDefocusAngle:        {"ctfDefocusAngle", TypeFloat},
	CTFVoltage:             {"ctfVoltage", TypeFloat},
	CTFSphericalAberration: {"ctfSphericalAberration", TypeFloat},
	CTFQ0:                  {"ctfQ0", TypeFloat},
	Magnification:          {"magnification", TypeFloat},
	SamplingRate:           {"samplingRate", TypeFloat},
	CTFGroup:               {"ctfGroup", TypeInt},
	Min:                    {"min", TypeFloat},
	Max:                    {"max", TypeFloat},
	Avg:                    {"avg", TypeFloat},
	XCoor:                  {"xcoor", TypeInt},
	YCoor:                  {"ycoor", TypeInt},
	PickBoxSize:            {"pickBoxSize", TypeInt},
}

var labelsByName = func() map[string]Label {
	m := make(map[string]Label, labelCount)
	for l := Label(0); l < labelCount; l++ {
		m[labelTable[l].name] = l
	}
	return m
}()

// ErrUnknownLabel is returned for names outside the vocabulary.
var ErrUnknownLabel = errors.New("unknown metadata label")

// LabelByName resolves a column name.
func LabelByName(name string) (Label, error) {
	l, ok := labelsByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, name)
	}
	return l, nil
}

// Valid reports whether l belongs to the vocabulary.
func (l Label) Valid() bool { return l >= 0 && l < labelCount }

// Name is the column name of l.
func (l Label) Name() string {
	if !l.Valid() {
		return fmt.Sprintf("Label(%d)", int(l))
	}
	return labelTable[l].name
}

func (l Label) String() string { return l.Name() }

// Type is the declared value type of l.
func (l Label) Type() ValueType {
	if !l.Valid() {
		return -1
	}
	return labelTable[l].typ
}

// AllLabels lists the vocabulary in declaration order.
func AllLabels() []Label {
	out := make([]Label, 0, labelCount)
	for l := Label(0); l < labelCount; l++ {
		out = append(out, l)
	}
	return out
}
