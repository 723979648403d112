// Package karabo is the device runtime of a distributed control system.
//
// A process hosts devices. Each device is a self-describing state machine
// reachable over a broker, and devices stream bulk data to each other over
// point-to-point TCP channels.
//
// # Architecture
//
// Two planes run side by side:
//
//	┌─────────────────────────────────────┐
//	│         Device Server               │  Class registry, init,
//	│   (server, devices, cmd)            │  slotStartDevice, kill
//	└─────────────────────────────────────┘
//	           ↓ hosts
//	┌─────────────────────────────────────┐
//	│         Devices                     │  Schema, FSM, validated
//	│   (device, schema, hash)            │  reconfiguration, set()
//	└─────────────────────────────────────┘
//	     ↓ control                 ↓ data
//	┌──────────────────┐   ┌──────────────────┐
//	│  SignalSlotable  │   │ Pipeline channels│
//	│  (signalslot)    │   │ (pipeline)       │
//	└────────┬─────────┘   └────────┬─────────┘
//	         ↓                      ↓
//	┌──────────────────┐   ┌──────────────────┐
//	│  Broker          │   │  TCP / in-process│
//	│  (nats, mqtt,    │   │  shortcut        │
//	│   mem)           │   │                  │
//	└──────────────────┘   └──────────────────┘
//
// Configuration, state and reconfiguration travel on the broker. Records
// travel on pipeline channels, each output serving its inputs in copy or
// shared mode with a per-input slowness policy.
//
// # Packages
//
//   - hash: ordered nested key/value container with attributes, XML and
//     binary codecs
//   - schema: typed element descriptions, validation and defaults
//   - broker: transports (NATS, MQTT, in-memory) and the message envelope
//   - signalslot: signals, slots, request/reply, discovery, heartbeats
//   - device: the device runtime and its state machine
//   - pipeline: output and input channels
//   - server: hosts devices and offers the registered classes
//   - devices: built-in DataGenerator and DataSink classes
//   - config: layered server configuration
//   - errors: classified errors and runtime error kinds
//   - metric: Prometheus metrics and the /metrics endpoint
//   - natsclient: NATS connection management with reconnect
//   - pkg/worker, pkg/retry, pkg/buffer, pkg/timestamp: shared utilities
//
// # Running
//
// Start a server with a generator feeding a sink:
//
//	karabo-cppserver serverId=dataServer broker=nats://localhost:4222 \
//	  init='{"gen": {"classId": "DataGenerator"},
//	         "sink": {"classId": "DataSink",
//	                  "input": {"connectedOutputChannels": ["gen:output"]}}}'
//
// KARABO_BROKER and KARABO_BROKER_TOPIC supply the broker URL and topic
// when they are not given on the command line.
package karabo
