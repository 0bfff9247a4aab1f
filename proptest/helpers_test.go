package proptest

import (
	"errors"

	"github.com/Felmond13/kvring/simfs"
)

var errBoom = errors.New("proptest: forced test failure")

func newSimulatedForTest() *simfs.Simulated {
	return simfs.NewSimulated(simfs.Real{})
}
