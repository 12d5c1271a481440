// Package output provides reusable output formatting utilities for CLI commands.
//
// This package allows commands to easily support multiple output formats (text, JSON, YAML)
// without duplicating formatting logic, and renders coloured tables for the text format.
package output
