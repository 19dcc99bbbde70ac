// Package common holds the configuration and logging shared by the muCore
// server, its gateways and the command line tools.
//
// Key Components:
//
//   - ServerConfig: Everything the serve command can set, from gateway
//     endpoints and tick rates to the persistence sink and the Dragonboat
//     parameters of the raft sink. RuntimeConfig and PersistenceConfig derive
//     the configs of the orchestrator and the persistence pipeline,
//     ToDragonboatConfig and ToNodeHostConfig those of the raft replica.
//
//   - ClientConfig: Connection and session parameters of the simulator.
//
//   - Logger: A dragonboat logger.ILogger with a compact format. InitLoggers
//     installs it and sets the level of the Dragonboat and muCore loggers from
//     a LogLevels spec such as "info,mapserver=debug,raft=warn".
package common
