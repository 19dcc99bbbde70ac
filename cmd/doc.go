// Package cmd implements the command-line interface of muCore.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a muCore server
//   - sim: Drives simulated player sessions against a server
//   - token: Mints session tokens for manual testing
//   - status: Prints the runtime state read from the admin endpoint
//   - util: Shared flag and configuration helpers (internal use)
//
// Every flag can also be set as MUCORE_<FLAG> in the environment or in a
// .env / .env.local file. See mucore -help for a list of all commands.
package cmd
