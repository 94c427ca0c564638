package conf

/*
   This is a package that wraps viper, a package designed to handle config
   files, for the claimfin services.

   Local environments keep their values in a local.env file; deployed
   environments only use the process environment. Lookups always try the
   config file first and fall back to the environment.

   Assumptions:
   1. The configuration file is an env file
   2. The configuration file, once it is made available to the application,
   will stay immutable during the uptime of the application (exception is test)
*/

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

// An instance of the viper struct containing the conf information. Only made
// accessible through public functions GetEnv, SetEnv, etc.
var envVars *viper.Viper

// Tracks whether a config file was found and parsed.
const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state uint8 = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)

	// Viper is lazy, do the read and parse of the config file
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}

	return v
}

/*
   init:
   Even if multiple packages import conf, this will be called and ran ONLY once.
*/
func init() {
	locations := []string{
		os.Getenv("CLAIMFIN_CONF_DIR"),
		"shared_files/decrypted",
		"../shared_files/decrypted",
	}

	if success, loc := findEnv(locations); success {
		envVars = setup(loc)
	} else {
		envVars = viper.New()
		state = noconfigfound
	}
}

// findEnv returns the first location containing a local.env file.
func findEnv(locations []string) (bool, string) {
	for _, loc := range locations {
		if loc == "" {
			continue
		}
		if _, err := os.Stat(loc + "/local.env"); err == nil {
			return true, loc
		}
	}
	return false, ""
}

// GetEnv retrieves the value stored in conf. If it does not exist
// "" empty string is returned.
func GetEnv(key string) string {
	value, _ := LookupEnv(key)
	return value
}

// LookupEnv augments os.LookupEnv to look in the viper struct first.
func LookupEnv(key string) (string, bool) {
	// SetEnv writes to viper whether or not a config file was found.
	if value := envVars.GetString(key); value != "" {
		return value, true
	}

	return os.LookupEnv(key)
}

// SetEnv adds key values into conf. This function should only be used
// either in this package itself or testing. Protect parameter is type *testing.T, and is there
// to ensure developers knowingly use it in the appropriate scope.
func SetEnv(protect *testing.T, key string, value string) error {
	envVars.Set(key, value)
	if state != configgood {
		return os.Setenv(key, value)
	}
	return nil
}

// UnsetEnv "unsets" a variable. Like SetEnv, this should only be used
// either in this package itself or testing.
func UnsetEnv(protect *testing.T, key string) error {
	envVars.Set(key, "")
	return os.Unsetenv(key)
}
