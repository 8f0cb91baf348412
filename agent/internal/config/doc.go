// Package config loads and watches the agent configuration.
//
// Values are merged from several sources, highest precedence first:
// explicit overrides, environment variables (VIGIL_KEY, VIGIL_APP_NAME,
// VIGIL_PROXY, VIGIL_ENV), the YAML file, ./vigil.json and ~/vigil.json.
// The JSON files are the legacy format and may contain comments.
//
// The environment (prod, staging, dev, test) supplies the collector address
// and the collection intervals when the config leaves them unset; the
// VIGIL_COLLECTOR* variables override the table's addresses.
//
// Loader.Watch reloads on file change. The agent applies only the log level
// and quiet flag live; everything else needs a restart.
package config
