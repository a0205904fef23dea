// Package commands implements the vizflow command line.
//
//	vizflow couple --handshake /tmp/sim.handshake --rank 0
//	vizflow inspect vizflow_01J...
//	vizflow cleanup --all
package commands
