// Package config handles genbatch configuration loading and management.
//
// Configuration lives in ~/.genbatch/config.json (or GENBATCH_CONFIG_DIR) and
// may also be written as YAML. Values are layered: built-in defaults, then
// the file, then GENBATCH_* environment variables. A batch submission can
// carry Overrides that are merged on top for that run only.
//
// Config converts into the engine settings of the concurrency package via
// ToOrchestratorConfig and LauncherConfig. The key_mappings section rebinds
// dashboard actions and is checked against the keys package by Validate.
package config
