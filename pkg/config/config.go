// Package config loads the collector's single configuration document, a
// TOML file decoded into a generic tree and then mapstructure-decoded
// into typed per-component structs, the two-stage pattern reva's
// component drivers use (see pkg/user/manager/kapi.parseConfig for the
// per-component half).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// HTTPConf configures the HTTP listener.
type HTTPConf struct {
	Port     int    `mapstructure:"port"`
	Host     string `mapstructure:"host"`
	Endpoint string `mapstructure:"endpoint"`
}

// MongoConf configures the document-store connection used by both storage
// backends to persist measurement metadata documents.
type MongoConf struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"db"`
	Collection string `mapstructure:"collection"`
}

// MetricsConf toggles the Prometheus exporter.
type MetricsConf struct {
	Enabled bool `mapstructure:"enabled"`
}

// UploadConf configures session and staged-blob lifetime.
type UploadConf struct {
	ExpirationMS int `mapstructure:"expiration"`
}

// MeasurementConf bounds accepted uploads.
type MeasurementConf struct {
	PayloadLimitBytes   int64 `mapstructure:"payload_limit"`
	RecognizedVersions  []int `mapstructure:"recognized_format_versions"`
}

// GridFSConf configures the local-staging + blob-store backend.
type GridFSConf struct {
	UploadsFolder string `mapstructure:"uploads-folder"`
}

// GoogleConf configures the cloud-object backend (named for the provider
// it was first deployed against; realized against the corpus's own cloud
// SDK, see DESIGN.md).
type GoogleConf struct {
	CollectionName     string `mapstructure:"collection-name"`
	ProjectIdentifier  string `mapstructure:"project-identifier"`
	BucketName         string `mapstructure:"bucket-name"`
	CredentialsFile    string `mapstructure:"credentials-file"`
	PagingSize         int    `mapstructure:"paging-size"`
}

// OAuthConf configures the OIDC/OAuth2 auth provider.
type OAuthConf struct {
	Callback string `mapstructure:"callback"`
	Client   string `mapstructure:"client"`
	Secret   string `mapstructure:"secret"`
	Site     string `mapstructure:"site"`
	Tenant   string `mapstructure:"tenant"`
}

// Options is the fully decoded configuration document.
type Options struct {
	HTTP        HTTPConf        `mapstructure:"http"`
	Mongo       MongoConf       `mapstructure:"mongo"`
	Metrics     MetricsConf     `mapstructure:"metrics"`
	Upload      UploadConf      `mapstructure:"upload"`
	Measurement MeasurementConf `mapstructure:"measurement"`

	StorageType string     `mapstructure:"storage-type"` // gridfs|google
	GridFS      GridFSConf `mapstructure:"gridfs"`
	Google      GoogleConf `mapstructure:"google"`

	AuthType string    `mapstructure:"auth-type"` // mocked|oauth
	OAuth    OAuthConf `mapstructure:"oauth"`

	Log LogConf `mapstructure:"log"`
}

// LogConf mirrors pkg/logger.Conf so the top-level document can configure
// logging without pkg/config importing pkg/logger (kept loosely coupled,
// the way reva threads logger config through each service's own config
// struct instead of a shared import).
type LogConf struct {
	Level  string `mapstructure:"level"`
	Mode   string `mapstructure:"mode"`
	Output string `mapstructure:"output"`
}

// Default returns an Options populated with the same defaults reva's
// component New() constructors apply before decoding user-supplied values
// on top.
func Default() Options {
	return Options{
		HTTP: HTTPConf{Port: 8080, Host: "0.0.0.0", Endpoint: "/api/v3"},
		Metrics: MetricsConf{Enabled: false},
		Upload: UploadConf{ExpirationMS: 60_000},
		Measurement: MeasurementConf{
			PayloadLimitBytes:  100 * 1024 * 1024,
			RecognizedVersions: []int{1, 2, 3},
		},
		StorageType: "gridfs",
		GridFS:      GridFSConf{UploadsFolder: "/var/lib/collector/uploads"},
		AuthType:    "mocked",
		Log:         LogConf{Level: "info", Mode: "json"},
	}
}

// Load reads path as TOML, decodes it into the generic tree mapstructure
// expects, and merges it over Default().
func Load(path string) (Options, error) {
	opts := Default()

	raw := map[string]interface{}{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return opts, errors.Wrap(err, "error decoding config file")
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, errors.Wrap(err, "error building config decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return opts, errors.Wrap(err, "error decoding config")
	}

	return opts, opts.Validate()
}

// Validate performs startup-time sanity checks; a non-nil error here is
// meant to produce a non-zero exit code before the server starts serving.
func (o Options) Validate() error {
	switch o.StorageType {
	case "gridfs", "google":
	default:
		return fmt.Errorf("storage-type: unrecognized value %q", o.StorageType)
	}
	switch o.AuthType {
	case "mocked", "oauth":
	default:
		return fmt.Errorf("auth-type: unrecognized value %q", o.AuthType)
	}
	if o.Upload.ExpirationMS <= 0 {
		return fmt.Errorf("upload.expiration: must be positive")
	}
	if o.Measurement.PayloadLimitBytes <= 0 {
		return fmt.Errorf("measurement.payload.limit: must be positive")
	}
	return nil
}

// MustExist lets cmd/collector fail fast with a clear message when the
// config path does not exist, before attempting to parse it.
func MustExist(path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(err, "config file not found")
	}
	return nil
}
