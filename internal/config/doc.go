// Package config provides configuration loading, merging, and path management for flowproxy.
//
// # Configuration Loading
//
// Load merges configuration from several sources; later sources win:
//
//  1. <directory>/.env (values never replace variables already in the environment)
//  2. Global config (~/.config/flowproxy/flowproxy.json[c])
//  3. Project config (<directory>/flowproxy.json[c])
//  4. FLOWPROXY_CONFIG file
//  5. FLOWPROXY_CONFIG_CONTENT inline JSON
//  6. Environment variables (CLAUDE_API_KEY, PORT, FLOWPROXY_*)
//  7. The model YAML file, for model and max_tokens when still unset
//
// # Supported Formats
//
// Files are JSON with comments, stripped using tidwall/jsonc. The model file is
// YAML keyed by vendor:
//
//	claude:
//	  model: claude-sonnet-4-20250514
//	  max_tokens: 64000
//
// # Variable Interpolation
//
// JSON config files support two placeholders:
//   - {env:VAR_NAME} - expands to an environment variable
//   - {file:path} - expands to file contents, escaped for a JSON string
//
// Relative {file:path} placeholders, prompts.dir and upstream.modelConfig are
// resolved against the directory of the file that names them.
package config
