// Package config loads and validates the loom-gateway YAML configuration,
// expanding ${VAR} environment references and parsing duration strings. Loose
// queue mode and policy strings are normalized into their closed unions here,
// at the configuration edge.
package config
