package params

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// LoadConfigFile overrides the current node config with values from the given
// YAML file. Fields absent from the file keep their current values.
func LoadConfigFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	c := *EdgeCoderConfig()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return errors.Wrap(err, "could not unmarshal config file")
	}
	OverrideEdgeCoderConfig(&c)
	log.WithField("path", path).Info("Loaded node configuration file")
	return nil
}
