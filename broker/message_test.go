package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub009/hash"
)

func TestMessageEncodeDecode(t *testing.T) {
	msg := NewMessage(
		hash.New(HeaderSignalInstanceID, "dev1", HeaderSignalFunction, "signalChanged"),
		hash.New("a1", hash.New("speed", 2.5), "a2", "dev1"),
	)
	data, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode("topic.signals.dev1.signalChanged", data)
	require.NoError(t, err)
	assert.Equal(t, "topic.signals.dev1.signalChanged", got.Subject)
	assert.Equal(t, "dev1", got.HeaderString(HeaderSignalInstanceID))
	assert.True(t, got.Header.Has(HeaderTimestamp))
	assert.True(t, msg.Body.Equal(got.Body))

	_, err = Decode("", data[:len(data)-1])
	assert.Error(t, err)
}

func TestInstanceIDLists(t *testing.T) {
	assert.Equal(t, "|a||b|", JoinInstanceIDs("a", "b"))
	assert.Equal(t, []string{"a", "b"}, SplitInstanceIDs("|a||b|"))
	assert.Empty(t, SplitInstanceIDs(""))

	s := JoinSlotFunctions(
		SlotTarget{Instance: "a", Slots: []string{"s1", "s2"}},
		SlotTarget{Instance: "b", Slots: []string{"s3"}},
	)
	assert.Equal(t, "|a:s1,s2||b:s3|", s)
	targets := SplitSlotFunctions(s)
	require.Len(t, targets, 2)
	assert.Equal(t, []string{"s1", "s2"}, targets[0].Slots)

	header := hash.New(HeaderSlotFunctions, s)
	assert.Equal(t, []string{"s3"}, SlotsFor(header, "b"))
	assert.Nil(t, SlotsFor(header, "c"))
	assert.Equal(t, []string{"x"}, SlotsFor(hash.New(HeaderSlotFunctions, "|*:x|"), "any"))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"t.slots.dev1", "t.slots.dev1", true},
		{"t.slots.dev1", "t.slots.dev2", false},
		{"t.signals.*.signalChanged", "t.signals.dev1.signalChanged", true},
		{"t.signals.dev1.*", "t.signals.dev1.signalChanged", true},
		{"t.signals.dev1.*", "t.signals.dev1", false},
		{"t.>", "t.signals.dev1.x", true},
		{"t.>", "t", false},
		{"t.slots", "t.slots.dev1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.subject), "%s ~ %s", tt.pattern, tt.subject)
	}
}

func TestValidateInstanceID(t *testing.T) {
	assert.NoError(t, ValidateInstanceID("SA1/MOTOR/X"))
	for _, bad := range []string{"", "a.b", "a b", "a*", "a|b"} {
		assert.Error(t, ValidateInstanceID(bad), bad)
	}
}

func TestSubjectTopicMapping(t *testing.T) {
	assert.Equal(t, "k/signals/SA1%2FMOT/+", SubjectToTopic("k.signals.SA1/MOT.*"))
	assert.Equal(t, "k/#", SubjectToTopic("k.>"))
	assert.Equal(t, "k.slots.SA1/MOT", TopicToSubject("k/slots/SA1%2FMOT"))
}

func TestNewFromURL(t *testing.T) {
	tr, err := New("mem://", Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryTransport{}, tr)

	tr, err = New("nats://user:pw@localhost:4222,nats://other:4222", Options{Name: "srv"})
	require.NoError(t, err)
	assert.IsType(t, &NATSTransport{}, tr)

	tr, err = New("mqtt://localhost:1883", Options{})
	require.NoError(t, err)
	assert.IsType(t, &MQTTTransport{}, tr)

	_, err = New("amqp://localhost", Options{})
	assert.Error(t, err)
}

func TestEnvironment(t *testing.T) {
	t.Setenv(EnvBroker, "nats://broker:4222")
	t.Setenv(EnvTopic, "fxe")
	assert.Equal(t, "nats://broker:4222", URLFromEnv(DefaultURL))
	assert.Equal(t, "fxe", TopicFromEnv())

	t.Setenv(EnvBroker, "")
	assert.Equal(t, DefaultURL, URLFromEnv(DefaultURL))
}
