package common

// KeysDirConfig points at the directory of TOML key files loaded into
// the key/value store on startup. Each file holds [key-name] sections
// with a required value and optional description; config files then
// reference them as {key-name}.
type KeysDirConfig struct {
	// Dir is the key file directory. Default: ./keys
	Dir string `toml:"dir"`
}
