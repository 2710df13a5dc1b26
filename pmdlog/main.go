package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/itohio/gopmd/pkg/pmd"
)

// Exit statuses.
const (
	exitFailure       = 1
	exitConfiguration = 2
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("pmdlog failed")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, pmd.ErrConfiguration) {
		return exitConfiguration
	}
	return exitFailure
}
