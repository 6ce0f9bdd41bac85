package app

import (
	"fmt"
	"sort"

	logging "github.com/ipfs/go-log/v2"

	"github.com/careline/careline/internal/config"
)

// SetupLogging configures go-log from the log section. Subsystem overrides
// are applied after the global level.
func SetupLogging(c config.Log) error {
	lvl := c.Level
	if lvl == "" {
		lvl = "info"
	}
	level, err := logging.LevelFromString(lvl)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	format := logging.ColorizedOutput
	switch c.Format {
	case "plain":
		format = logging.PlaintextOutput
	case "json":
		format = logging.JSONOutput
	}

	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  level,
		Stderr: true,
	})

	names := make([]string, 0, len(c.Subsystems))
	for name := range c.Subsystems {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := logging.SetLogLevel(name, c.Subsystems[name]); err != nil {
			log.Warnf("log level for %s: %v", name, err)
		}
	}
	return nil
}
