// Package config defines build profiles and provides helpers to load,
// validate and save them in YAML format.
//
// A Profile bundles the manifest, output path, target and prune settings of
// one layer variant. The built-in "default" and "slim" profiles are always
// available; profiles from the config file are merged over them.
package config
