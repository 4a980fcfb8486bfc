package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"peerdrop/config"

	log "github.com/sirupsen/logrus"
)

var ErrConfigExists = errors.New("config file already exists")

// RunInit writes a default configuration to the config file.
func RunInit(ctx context.Context, cfg *config.Config, force bool, out io.Writer) error {
	if _, err := os.Stat(cfg.File()); err == nil && !force {
		return fmt.Errorf("%w: %s (use --force to overwrite)", ErrConfigExists, cfg.File())
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	log.Debugf("RunInit: wrote %s", cfg.File())
	fmt.Fprintf(out, "Config written to %s\n", cfg.File())
	fmt.Fprintf(out, "  channel   : %s\n", cfg.Node.Channel)
	fmt.Fprintf(out, "  source    : %s\n", cfg.Files.Source)
	fmt.Fprintf(out, "  downloads : %s\n", cfg.Files.Downloads)
	return nil
}
