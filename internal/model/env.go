package model

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding the config
// file, e.g. GEOPILOT_CLOUD_SECRET_KEY.
const EnvPrefix = "GEOPILOT"

// NewEnv returns a viper instance reading the environment overrides.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyEnv overrides the settings which usually differ per deployment, the
// credentials in particular.
func (c *Config) ApplyEnv(v *viper.Viper) {
	if v.IsSet("service.verbose") {
		c.Service.Verbose = v.GetBool("service.verbose")
	}
	if v.IsSet("service.workers") {
		if n := v.GetInt("service.workers"); n > 0 {
			c.Service.Workers = n
		}
	}
	if s := v.GetString("storage.dir"); s != "" {
		c.Storage.Dir = s
	}
	if s := v.GetString("scan.url"); s != "" {
		if c.Scan == nil {
			c.Scan = &Scan{}
		}
		c.Scan.URL = s
	}
	if c.Cloud == nil {
		return
	}
	for key, field := range map[string]*string{
		"cloud.endpoint":   &c.Cloud.Endpoint,
		"cloud.bucket":     &c.Cloud.Bucket,
		"cloud.access_key": &c.Cloud.AccessKey,
		"cloud.secret_key": &c.Cloud.SecretKey,
		"cloud.region":     &c.Cloud.Region,
	} {
		if s := v.GetString(key); s != "" {
			*field = s
		}
	}
}
