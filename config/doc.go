// Package config resolves the configuration of a device server process.
//
// Values are layered, later layers winning:
//
//  1. Defaults
//  2. A YAML file named by the config=<path> argument
//  3. Environment: KARABO_BROKER, KARABO_BROKER_TOPIC, KARABO_LOG_LEVEL,
//     KARABO_LOG_FORMAT
//  4. key=value command line arguments
//
// # Basic Usage
//
//	cfg, runtime, err := config.NewLoader().Load(os.Args[1:])
//	if err != nil {
//		log.Fatal(err)
//	}
//	id, err := config.ResolveServerID(cfg, hostname)
//	devices, err := config.ParseInit(cfg.Init)
//
// The runtime Hash holds every argument as a dotted path, so
// "Logger.priority=DEBUG" becomes {Logger: {priority: "DEBUG"}}.
//
// # Init
//
// init takes a JSON object mapping device ids to their configuration:
//
//	init='{"gen": {"classId": "DataGenerator", "period": 50}}'
//
// # Server Identity
//
// Without serverId the id stored in serverId.xml is reused. A new id is
// generated and stored the first time.
package config
