// Package config loads the YAML pipeline configuration, fills backend
// credentials from the environment and a .env file, and converts each
// section into the settings of the stage it configures.
package config
