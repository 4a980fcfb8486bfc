package node

import (
	"peerdrop/peerid"

	log "github.com/sirupsen/logrus"
)

// Output receives what peers send us once it has been stored.
type Output interface {
	FileReceived(from peerid.ID, name string, path string, size int)
	ChatReceived(from peerid.ID, text string)
}

// LogOutput reports received messages through the logger.
type LogOutput struct{}

func (LogOutput) FileReceived(from peerid.ID, name string, path string, size int) {
	log.Infof("Received %s (%d bytes) from %s, saved to %s", name, size, from.Short(), path)
}

func (LogOutput) ChatReceived(from peerid.ID, text string) {
	log.Infof("%s: %s", from.Short(), text)
}
