package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

func motorSchema(t *testing.T) *Schema {
	t.Helper()
	s := New("Motor")
	State(s).Options("OFF", "ON", "ERROR").DefaultValue("OFF").Commit()
	Int32(s).Key("a").DisplayedName("A").DefaultValue(0).Commit()
	Double(s).Key("speed").Unit("m/s").MinInc(0).MaxInc(10).DefaultValue(1).
		AllowedStates("OFF").Commit()
	String(s).Key("mode").Options("fast", "slow").DefaultValue("slow").Commit()
	String(s).Key("port").Init().DefaultValue("/dev/ttyS0").Commit()
	Int32(s).Key("secret").Expert().DefaultValue(42).Commit()
	Node(s).Key("limits").Commit()
	Double(s).Key("limits.low").DefaultValue(-5).Commit()
	Double(s).Key("limits.high").ReadOnly().DefaultValue(5).Commit()
	Slot(s).Key("start").AllowedStates("OFF").Commit()
	require.NoError(t, s.Err())
	return s
}

func TestBuilderStoresAttributes(t *testing.T) {
	s := motorSchema(t)

	e, ok := s.Element("speed")
	require.True(t, ok)
	assert.Equal(t, NodeLeaf, e.NodeType())
	assert.Equal(t, hash.TypeDouble, e.ValueType())
	assert.Equal(t, AccessReconfigurable, e.AccessMode())
	assert.Equal(t, LevelUser, e.RequiredAccessLevel())
	assert.Equal(t, []string{"OFF"}, e.AllowedStates())
	assert.Equal(t, "m/s", e.UnitSymbol())
	def, ok := e.DefaultValue()
	require.True(t, ok)
	assert.Equal(t, 1.0, def)

	st, ok := s.Element("state")
	require.True(t, ok)
	assert.True(t, st.IsState())
	assert.Equal(t, AccessReadOnly, st.AccessMode())
	assert.Equal(t, LevelObserver, st.RequiredAccessLevel())

	cmd, ok := s.Element("start")
	require.True(t, ok)
	assert.True(t, cmd.IsCommand())

	assert.Equal(t, []string{"state", "a", "speed", "mode", "port", "secret",
		"limits.low", "limits.high", "start"}, s.Paths())
}

func TestBuilderCollectsErrors(t *testing.T) {
	s := New("Bad")
	Int32(s).Key("a").Commit()
	Int32(s).Key("a").Commit()
	Double(s).Key("missing.child").Commit()
	VectorInt32(s).Key("v").Options([]int32{1}).Commit()
	String(s).Key("s").MinInc("x").Commit()
	Int32(s).Key("bounded").MinInc(0).MaxInc(5).DefaultValue(9).Commit()
	Int32(s).Commit()

	errs := Violations(s.Err())
	assert.Empty(t, errs, "builder errors are not violations")
	require.Error(t, s.Err())
	msg := s.Err().Error()
	for _, want := range []string{`"a" declared twice`, `parent "missing"`, "options are not supported",
		"needs a numeric type", "default value 9", "without key"} {
		assert.Contains(t, msg, want)
	}
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("bounded"))
}

func TestDefaults(t *testing.T) {
	s := motorSchema(t)
	d := s.Defaults()
	assert.Equal(t, int32(0), hash.GetOr(d, "a", int32(-1)))
	assert.Equal(t, "OFF", hash.GetOr(d, "state", ""))
	assert.Equal(t, -5.0, hash.GetOr(d, "limits.low", 0.0))
	assert.False(t, d.Has("start"))
}

func TestSubsetFiltersByStateAndLevel(t *testing.T) {
	s := motorSchema(t)

	off := s.Subset("OFF", LevelUser)
	assert.True(t, off.Has("speed"))
	assert.True(t, off.Has("start"))
	assert.False(t, off.Has("secret"))

	on := s.Subset("ON", LevelExpert)
	assert.False(t, on.Has("speed"))
	assert.False(t, on.Has("start"))
	assert.True(t, on.Has("secret"))
	assert.True(t, on.Has("state"), "read-only elements survive any state")
	assert.True(t, on.Has("limits.high"))

	assert.True(t, s.Has("speed"), "subset must not modify the source")
}

func TestMergeAndClone(t *testing.T) {
	s := motorSchema(t)
	extra := New("Motor")
	Bool(extra).Key("injected").DefaultValue(true).Commit()

	c := s.Clone()
	c.Merge(extra)
	assert.True(t, c.Has("injected"))
	assert.False(t, s.Has("injected"))
}

func TestSetAttributeConverts(t *testing.T) {
	s := motorSchema(t)
	require.NoError(t, s.SetAttribute("a", AttrDefaultValue, "7"))
	e, _ := s.Element("a")
	def, _ := e.DefaultValue()
	assert.Equal(t, int32(7), def)

	require.NoError(t, s.SetAttribute("a", AttrMaxInc, 100))
	maxInc, _ := e.Attributes().Get(AttrMaxInc)
	assert.Equal(t, int32(100), maxInc)

	assert.Error(t, s.SetAttribute("a", AttrValueType, "STRING"))
	assert.Error(t, s.SetAttribute("a", AttrDefaultValue, "seven"))
	assert.Error(t, s.SetAttribute("nope", AttrDefaultValue, 1))
}

func TestOverwrite(t *testing.T) {
	s := motorSchema(t)
	Overwrite(s, "a").SetNewDefault(int32(3)).SetNewOptions(1, 2, 3).SetNowReadOnly().Commit()
	Overwrite(s, "ghost").SetNewDefault(1)
	require.Error(t, s.Err())

	e, _ := s.Element("a")
	def, _ := e.DefaultValue()
	assert.Equal(t, int32(3), def)
	opts, _ := e.Options()
	assert.Equal(t, []int32{1, 2, 3}, opts)
	assert.Equal(t, AccessReadOnly, e.AccessMode())
}

func TestHashRoundTrip(t *testing.T) {
	s := motorSchema(t)
	rows := New("")
	Int32(rows).Key("x").Commit()
	Table(s).Key("table").RowSchema(rows).Commit()
	require.NoError(t, s.Err())

	data, err := hash.EncodeBinary(s.ToHash())
	require.NoError(t, err)
	decoded, err := hash.DecodeBinary(data)
	require.NoError(t, err)

	back, err := FromHash(decoded)
	require.NoError(t, err)
	assert.Equal(t, "Motor", back.RootName())
	assert.True(t, s.Parameters().Equal(back.Parameters()))

	tbl, ok := back.Element("table")
	require.True(t, ok)
	assert.True(t, tbl.IsTable())

	_, err = FromHash(hash.New("a", int32(1), "b", int32(2)))
	assert.Error(t, err)
}

func TestStringListsElements(t *testing.T) {
	out := motorSchema(t).String()
	assert.Contains(t, out, "Schema Motor")
	assert.Contains(t, out, "speed DOUBLE RECONFIGURABLE default=1")
	assert.Contains(t, out, "start SLOT")
}
