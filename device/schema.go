package device

import (
	"github.com/European-XFEL/Karabo-sub009/schema"
)

// Common device states.
const (
	StateUnknown   = "UNKNOWN"
	StateInit      = "INIT"
	StateOn        = "ON"
	StateOff       = "OFF"
	StateActive    = "ACTIVE"
	StatePassive   = "PASSIVE"
	StateMoving    = "MOVING"
	StateStopped   = "STOPPED"
	StateAcquiring = "ACQUIRING"
	StateChanging  = "CHANGING"
	StateError     = "ERROR"
)

// Keys of the base schema that the runtime maintains.
const (
	KeyDeviceID          = "deviceId"
	KeyServerID          = "serverId"
	KeyClassID           = "classId"
	KeyHostName          = "hostName"
	KeyPID               = "pid"
	KeyState             = "state"
	KeyStatus            = "status"
	KeyAlarmCondition    = "alarmCondition"
	KeyLockedBy          = "lockedBy"
	KeyLastCommand       = "lastCommand"
	KeyArchive           = "archive"
	KeyVisibility        = "visibility"
	KeyHeartbeatInterval = "heartbeatInterval"
	KeyLoggerPriority    = "Logger.priority"
	KeyStatsEnable       = "performanceStatistics.enable"
	KeyStatsMessages     = "performanceStatistics.numMessages"
	KeyStatsMaxLatency   = "performanceStatistics.maxProcessingLatency"
)

// internalKeys are set by the runtime and stripped from an initial
// configuration.
var internalKeys = []string{KeyDeviceID, KeyServerID, KeyClassID, KeyHostName, KeyPID}

// BaseSchema returns the elements every device carries, rooted at classID.
func BaseSchema(classID string) *schema.Schema {
	s := schema.New(classID)

	schema.String(s).Key(KeyDeviceID).
		DisplayedName("DeviceID").
		Description("The device instance ID uniquely identifies a device instance in the distributed system").
		ReadOnly().Commit()

	schema.String(s).Key(KeyClassID).
		DisplayedName("ClassID").
		Description("The (factory)-name of the class of this device").
		Expert().ReadOnly().Commit()

	schema.String(s).Key(KeyServerID).
		DisplayedName("ServerID").
		Description("The device-server on which this device is running on").
		Expert().ReadOnly().Commit()

	schema.String(s).Key(KeyHostName).
		DisplayedName("Host").
		Description("The name of the host where this device runs").
		Expert().ReadOnly().Commit()

	schema.Int32(s).Key(KeyPID).
		DisplayedName("Process ID").
		Expert().ReadOnly().DefaultValue(0).Commit()

	schema.State(s).
		Description("The current state the device is in").
		DefaultValue(StateUnknown).Commit()

	schema.String(s).Key(KeyStatus).
		DisplayedName("Status").
		Description("A more detailed status description").
		ReadOnly().DefaultValue("").Commit()

	schema.AlarmConditionElement(s, KeyAlarmCondition)

	schema.String(s).Key(KeyLockedBy).
		DisplayedName("Locked by").
		Reconfigurable().Expert().DefaultValue("").Commit()

	schema.Slot(s).Key("slotClearLock").
		DisplayedName("Clear Lock").
		RequiredAccessLevel(schema.LevelExpert).Commit()

	schema.String(s).Key(KeyLastCommand).
		DisplayedName("Last command").
		Description("The last slot called.").
		RequiredAccessLevel(schema.LevelAdmin).ReadOnly().DefaultValue("").Commit()

	schema.Bool(s).Key(KeyArchive).
		DisplayedName("Archive").
		Description("Decides whether the properties of this device will be logged or not").
		Init().Expert().DefaultValue(true).Commit()

	schema.Int32(s).Key(KeyVisibility).
		DisplayedName("Visibility").
		Description("Configures who is allowed to see this device at all").
		Init().Expert().DefaultValue(int32(schema.LevelObserver)).Commit()

	schema.Int32(s).Key(KeyHeartbeatInterval).
		DisplayedName("Heartbeat interval").
		Description("The heartbeat interval").
		Unit("s").
		Init().RequiredAccessLevel(schema.LevelAdmin).
		MinInc(1).DefaultValue(20).Commit()

	schema.Node(s).Key("performanceStatistics").
		DisplayedName("Performance Statistics").
		Description("Accumulates some statistics").
		RequiredAccessLevel(schema.LevelExpert).Commit()

	schema.Bool(s).Key(KeyStatsEnable).
		DisplayedName("Enable Performance Indicators").
		Reconfigurable().Expert().DefaultValue(false).Commit()

	schema.UInt32(s).Key(KeyStatsMessages).
		DisplayedName("Number of messages").
		Description("Slot calls handled since the last refresh").
		Expert().ReadOnly().DefaultValue(0).Commit()

	schema.Double(s).Key(KeyStatsMaxLatency).
		DisplayedName("Max. processing latency").
		Unit("ms").
		Expert().ReadOnly().DefaultValue(0).Commit()

	schema.Node(s).Key("Logger").
		DisplayedName("Logger").
		RequiredAccessLevel(schema.LevelExpert).Commit()

	schema.String(s).Key(KeyLoggerPriority).
		DisplayedName("Priority").
		Options("DEBUG", "INFO", "WARN", "ERROR").
		Expert().ReadOnly().DefaultValue("INFO").Commit()

	return s
}
