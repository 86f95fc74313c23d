/*imdrun is a small driver that runs the demo MD system with the IMD bridge
attached, so a visualizer can be pointed at a live simulation without a
full MD engine. Ranks are goroutines over an in-process communicator; the
particle set is split round-robin the way a domain decomposition would.
*/
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/kbuchner/goimd"
	"github.com/kbuchner/goimd/comm"
	"github.com/kbuchner/goimd/md"
)

const logEvery = 1000

func main() {
	var (
		configPath    string
		nprocs        int
		exampleConfig bool
	)
	pflag.StringVar(&configPath, "config", "",
		"path to the run configuration file")
	pflag.IntVar(&nprocs, "nprocs", 1,
		"number of in-process ranks to split the system over")
	pflag.BoolVar(&exampleConfig, "example-config", false,
		"print an example configuration file and exit")
	pflag.Parse()

	if exampleConfig {
		fmt.Println(md.ExampleConfigFile)
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	if configPath == "" {
		log.Fatal().Msg("no configuration file given (see --example-config)")
	}
	if nprocs < 1 {
		log.Fatal().Int("nprocs", nprocs).Msg("need at least one rank")
	}

	cfg, err := md.ReadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("bad configuration")
	}
	opts := bridgeOptions(cfg)

	ranks := comm.NewLocalGroup(nprocs)
	errs := make([]error, nprocs)

	var wg sync.WaitGroup
	for i, c := range ranks {
		wg.Add(1)
		go func(i int, c *comm.Local) {
			defer wg.Done()
			errs[i] = runRank(log, cfg, opts, c)
		}(i, c)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			log.Fatal().Err(err).Int("rank", i).Msg("run failed")
		}
	}
}

func bridgeOptions(cfg *md.Config) goimd.Options {
	return goimd.Options{
		Port:        cfg.IMD.Port,
		Version:     cfg.IMD.Version,
		Trate:       cfg.IMD.Trate,
		Fscale:      cfg.IMD.Fscale,
		Unwrap:      cfg.IMD.Unwrap,
		Nowait:      cfg.IMD.Nowait,
		Async:       cfg.IMD.Async,
		Time:        cfg.IMD.Time,
		Box:         cfg.IMD.Box,
		Coordinates: cfg.IMD.Coordinates,
		Velocities:  cfg.IMD.Velocities,
		Forces:      cfg.IMD.Forces,
	}
}

func runRank(log zerolog.Logger, cfg *md.Config, opts goimd.Options, c *comm.Local) error {
	sys, err := md.NewSystem(cfg, c.Rank(), c.Size())
	if err != nil {
		return err
	}

	rlog := log.With().Int("rank", c.Rank()).Logger()
	b, err := goimd.New(sys, c, opts, rlog)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Setup(); err != nil {
		return err
	}

	for step := 0; step < cfg.System.Steps; step++ {
		sys.ClearForces()
		if err := b.PostForce(); err != nil {
			return err
		}
		sys.Advance()
		if err := b.EndOfStep(); err != nil {
			return err
		}

		if c.Rank() == 0 && step%logEvery == 0 {
			rlog.Info().
				Int("step", step).
				Float64("temp", sys.Temperature()).
				Float64("maxdisp", sys.MaxDisplacement()).
				Msg("running")
		}
	}
	return nil
}
