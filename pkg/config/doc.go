/*
Package config loads hearthlink's YAML configuration and holds the static
per-brand OAuth client credential table.

Defaults target the EMEA production environment. A config file layers over
the defaults and a small set of environment variables layer over the file,
so containerized deployments can override without editing files.
*/
package config
