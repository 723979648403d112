package schema

import (
	"fmt"
	"strings"
)

// NodeType distinguishes leaves from the container elements.
type NodeType int32

const (
	NodeLeaf NodeType = iota
	NodeNode
	NodeChoice
	NodeList
)

// LeafType refines a leaf element.
type LeafType int32

const (
	LeafProperty LeafType = iota
	LeafCommand
	LeafState
	LeafAlarmCondition
)

// AccessMode is a bit mask. An element is exactly one of Init, ReadOnly or
// Reconfigurable.
type AccessMode int32

const (
	AccessInit           AccessMode = 1
	AccessReadOnly       AccessMode = 2
	AccessReconfigurable AccessMode = 4
)

func (m AccessMode) String() string {
	switch m {
	case AccessInit:
		return "INIT"
	case AccessReadOnly:
		return "READONLY"
	case AccessReconfigurable:
		return "RECONFIGURABLE"
	}
	return fmt.Sprintf("ACCESS(%d)", int32(m))
}

// Assignment tells whether a value must be supplied at instantiation.
type Assignment int32

const (
	AssignmentOptional Assignment = iota
	AssignmentMandatory
	AssignmentInternal
)

func (a Assignment) String() string {
	switch a {
	case AssignmentOptional:
		return "OPTIONAL"
	case AssignmentMandatory:
		return "MANDATORY"
	case AssignmentInternal:
		return "INTERNAL"
	}
	return fmt.Sprintf("ASSIGNMENT(%d)", int32(a))
}

// AccessLevel orders callers by privilege.
type AccessLevel int32

const (
	LevelObserver AccessLevel = iota
	LevelUser
	LevelOperator
	LevelExpert
	LevelAdmin
)

var levelNames = []string{"OBSERVER", "USER", "OPERATOR", "EXPERT", "ADMIN"}

func (l AccessLevel) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", int32(l))
}

// ParseAccessLevel accepts the names printed by String, case-insensitively.
func ParseAccessLevel(s string) (AccessLevel, error) {
	for i, n := range levelNames {
		if strings.EqualFold(n, s) {
			return AccessLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown access level %q", s)
}

// ArchivePolicy controls how often the history logger stores a property.
type ArchivePolicy int32

const (
	ArchiveEveryEvent ArchivePolicy = iota
	ArchiveEvery100ms
	ArchiveEvery1s
	ArchiveEvery5s
	ArchiveEvery10s
	ArchiveEvery1min
	ArchiveEvery10min
	ArchiveNoArchiving
)

// AlarmCondition is the result of comparing a value against its thresholds.
type AlarmCondition string

const (
	AlarmNone      AlarmCondition = "none"
	AlarmWarnLow   AlarmCondition = "warnLow"
	AlarmWarnHigh  AlarmCondition = "warnHigh"
	AlarmAlarmLow  AlarmCondition = "alarmLow"
	AlarmAlarmHigh AlarmCondition = "alarmHigh"
	AlarmInterlock AlarmCondition = "interlock"
)

// Rank orders conditions by severity.
func (c AlarmCondition) Rank() int {
	switch c {
	case AlarmWarnLow, AlarmWarnHigh:
		return 1
	case AlarmAlarmLow, AlarmAlarmHigh:
		return 2
	case AlarmInterlock:
		return 3
	}
	return 0
}

// Element attribute names.
const (
	AttrNodeType            = "nodeType"
	AttrLeafType            = "leafType"
	AttrValueType           = "valueType"
	AttrAccessMode          = "accessMode"
	AttrAssignment          = "assignment"
	AttrRequiredAccessLevel = "requiredAccessLevel"
	AttrDefaultValue        = "defaultValue"
	AttrDisplayedName       = "displayedName"
	AttrDescription         = "description"
	AttrMinInc              = "minInc"
	AttrMaxInc              = "maxInc"
	AttrMinExc              = "minExc"
	AttrMaxExc              = "maxExc"
	AttrOptions             = "options"
	AttrMinSize             = "minSize"
	AttrMaxSize             = "maxSize"
	AttrUnitSymbol          = "unitSymbol"
	AttrMetricPrefixSymbol  = "metricPrefixSymbol"
	AttrDisplayType         = "displayType"
	AttrAllowedStates       = "allowedStates"
	AttrTags                = "tags"
	AttrAlarmLow            = "alarmLow"
	AttrAlarmHigh           = "alarmHigh"
	AttrWarnLow             = "warnLow"
	AttrWarnHigh            = "warnHigh"
	AttrArchivePolicy       = "archivePolicy"
	AttrClassID             = "classId"
)

// Sentinel display types.
const (
	DisplayState          = "State"
	DisplayAlarmCondition = "AlarmCondition"
	DisplaySlot           = "Slot"
	DisplayImage          = "Image"
	DisplayNDArray        = "NDArray"
	DisplayTable          = "Table"
	DisplayOutputChannel  = "OutputChannel"
	DisplayInputChannel   = "InputChannel"
)
